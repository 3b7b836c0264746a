package store

import "testing"

func TestQueryBuilderEqSkipsEmptyValue(t *testing.T) {
	sql, params := NewQueryBuilder().Eq("meeting_id", "").Build("SELECT * FROM messages", "id ASC", 50)
	if sql != "SELECT * FROM messages ORDER BY id ASC LIMIT $1" {
		t.Errorf("sql = %q", sql)
	}
	if len(params) != 1 || params[0] != 50 {
		t.Errorf("params = %v", params)
	}
}

func TestQueryBuilderEqAndGtIDCompose(t *testing.T) {
	sql, params := NewQueryBuilder().
		Eq("meeting_id", "m1").
		GtID("id", 42).
		Build("SELECT * FROM events", "id ASC", 100)

	want := "SELECT * FROM events WHERE meeting_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3"
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}
	if len(params) != 3 || params[0] != "m1" || params[1] != int64(42) || params[2] != 100 {
		t.Errorf("params = %v", params)
	}
}

func TestQueryBuilderGtIDSkipsNonPositive(t *testing.T) {
	sql, _ := NewQueryBuilder().GtID("id", 0).Build("SELECT * FROM events", "", 10)
	if sql != "SELECT * FROM events LIMIT $1" {
		t.Errorf("sql = %q", sql)
	}
}

func TestQueryBuilderClampsLimit(t *testing.T) {
	_, params := NewQueryBuilder().Build("SELECT * FROM events", "", 999999)
	if params[0] != 2000 {
		t.Errorf("limit = %v, want clamped to 2000", params[0])
	}

	_, params = NewQueryBuilder().Build("SELECT * FROM events", "", 0)
	if params[0] != 1 {
		t.Errorf("limit = %v, want clamped to 1", params[0])
	}
}

func TestQueryBuilderKeywordLikeEscapesAndLowercases(t *testing.T) {
	sql, params := NewQueryBuilder().
		KeywordLike("Roll%out", "topic").
		Build("SELECT * FROM meetings", "created_at DESC", 50)

	want := `SELECT * FROM meetings WHERE (LOWER(topic) LIKE $1 ESCAPE E'\\') ORDER BY created_at DESC LIMIT $2`
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}
	if params[0] != `%roll\%out%` {
		t.Errorf("params[0] = %v, want escaped lowercase pattern", params[0])
	}
}

func TestQueryBuilderKeywordLikeSkipsEmptyKeyword(t *testing.T) {
	sql, _ := NewQueryBuilder().KeywordLike("", "topic").Build("SELECT * FROM meetings", "", 10)
	if sql != "SELECT * FROM meetings LIMIT $1" {
		t.Errorf("sql = %q", sql)
	}
}

func TestQueryBuilderLtCursor(t *testing.T) {
	sql, params := NewQueryBuilder().Lt("id", "m42").Build("SELECT * FROM meetings", "created_at DESC", 10)
	want := "SELECT * FROM meetings WHERE id < $1 ORDER BY created_at DESC LIMIT $2"
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}
	if params[0] != "m42" {
		t.Errorf("params[0] = %v, want m42", params[0])
	}
}

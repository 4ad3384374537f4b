package sqlguard

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/jitaccess/internal/model"
)

var allTiers = []string{model.TierRead, model.TierReadWrite, model.TierDestructive}

func TestClassify(t *testing.T) {
	cases := map[string]string{
		"select * from users":                      "SELECT",
		"  -- comment\nUPDATE t SET a = 1":         "UPDATE",
		"/* hint */ /* more */ delete from t":      "DELETE",
		"-- only a comment":                        "",
		"/* unterminated":                          "",
		"WITH x AS (SELECT 1) SELECT * FROM x":     "WITH",
		"/*!50000 DROP TABLE t */ SELECT 1":        "",
		"":                                         "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Classify(in), in)
	}
}

func TestEnforce_TierMembership(t *testing.T) {
	cases := []struct {
		stmt    string
		allowed []string
	}{
		{"SELECT 1", []string{model.TierRead, model.TierReadWrite}},
		{"SHOW TABLES", []string{model.TierRead, model.TierReadWrite}},
		{"DESCRIBE users", []string{model.TierRead, model.TierReadWrite}},
		{"EXPLAIN SELECT 1", []string{model.TierRead, model.TierReadWrite}},
		{"INSERT INTO t VALUES (1)", []string{model.TierReadWrite}},
		{"UPDATE t SET a = 1", []string{model.TierReadWrite}},
		{"DELETE FROM t WHERE id = 1", []string{model.TierDestructive}},
		{"DROP TABLE t", []string{model.TierDestructive}},
		{"TRUNCATE TABLE t", []string{model.TierDestructive}},
		{"ALTER TABLE t ADD c INT", []string{model.TierDestructive}},
		{"CREATE INDEX i ON t (a)", []string{model.TierDestructive}},
		{"RENAME TABLE a TO b", []string{model.TierDestructive}},
		{"REPLACE INTO t VALUES (1)", nil},
		{"SET GLOBAL x = 1", nil},
	}
	for _, tc := range cases {
		for _, tier := range allTiers {
			err := Enforce(tc.stmt, tier)
			want := false
			for _, a := range tc.allowed {
				if a == tier {
					want = true
				}
			}
			if want {
				assert.NoError(t, err, "%q under %s", tc.stmt, tier)
			} else {
				assert.Error(t, err, "%q under %s", tc.stmt, tier)
			}
		}
	}
}

func TestEnforce_DCLRejectedForEveryTier(t *testing.T) {
	stmts := []string{
		"GRANT ALL ON *.* TO 'x'",
		"revoke select on t from y",
		"SELECT * FROM users WHERE note = 'x' OR 1=1 -- grant",
		"CREATE USER x; GRANT ALL ON *.* TO x",
	}
	for _, stmt := range stmts {
		for _, tier := range allTiers {
			err := Enforce(stmt, tier)
			var rej *Rejection
			require.True(t, errors.As(err, &rej), "%q under %s", stmt, tier)
			assert.Contains(t, rej.Reason, "DCL")
		}
	}
}

func TestEnforce_DangerousPatternsAnywhere(t *testing.T) {
	stmts := []string{
		"SELECT * FROM t INTO OUTFILE '/tmp/x'",
		"SELECT LOAD_FILE('/etc/passwd')",
		"SELECT * FROM (SELECT 1) x WHERE EXEC",
		"CALL cleanup()",
		"SELECT 1 INTO DUMPFILE '/tmp/y'",
	}
	for _, stmt := range stmts {
		for _, tier := range allTiers {
			assert.Error(t, Enforce(stmt, tier), "%q under %s", stmt, tier)
		}
	}
}

func TestEnforce_LengthAndEmpty(t *testing.T) {
	assert.Error(t, Enforce("", model.TierRead))
	assert.Error(t, Enforce("   ", model.TierRead))

	long := "SELECT " + strings.Repeat("a", MaxStatementLength)
	assert.Error(t, Enforce(long, model.TierRead))
}

func TestEnforce_UnknownTier(t *testing.T) {
	assert.Error(t, Enforce("SELECT 1", "L9"))
}

func TestEnforce_EmptyTierIsRead(t *testing.T) {
	assert.NoError(t, Enforce("SELECT 1", ""))
	assert.Error(t, Enforce("INSERT INTO t VALUES (1)", ""))
}

func TestRequireSingleStatement(t *testing.T) {
	ok := []string{
		"SELECT 1",
		"SELECT 1;",
		"SELECT 1;  \n",
		"SELECT 1; -- trailing comment",
		"SELECT 1; /* trailing */",
		"SELECT 'a;b' FROM t",
		`SELECT "a;b" FROM t`,
		"SELECT `we;ird` FROM t",
		"SELECT 1 /* ; */ + 2",
		"SELECT 1 -- ; DROP TABLE t\n + 2",
		"SELECT a FROM t # note",
		"SELECT $$a'b$$ FROM t",
		"SELECT 1 /* outer /* inner */ still comment */ + 2",
	}
	for _, stmt := range ok {
		assert.NoError(t, RequireSingleStatement(stmt), stmt)
	}

	bad := []string{
		"SELECT 1; SELECT 2",
		"SELECT 1;DROP TABLE t",
		"SELECT 'it\\'s'; DROP TABLE t",
		"SELECT 1 /*! ; DROP TABLE t */",
		"SELECT 1 --x; DROP TABLE t",
		"SELECT 1;;",
		"SELECT 1; 'x'",
		"SELECT 1 #'\n; DROP TABLE t",
		"SELECT 1 --'\n; DROP TABLE t",
		"SELECT $$'$$; DROP TABLE t",
		"SELECT $q$'$q$; DROP TABLE t",
		"SELECT E'\\'', '\\'; DROP TABLE t",
		"SELECT 1 /* /* */ ' */; DROP TABLE t",
	}
	for _, stmt := range bad {
		assert.Error(t, RequireSingleStatement(stmt), stmt)
	}
}

func TestCheck_StackedGrantRejectedUnderEveryTier(t *testing.T) {
	stmt := "SELECT * FROM users; GRANT ALL ON *.* TO 'x'"
	for _, tier := range allTiers {
		assert.Error(t, Check(stmt, tier), tier)
		assert.Error(t, Enforce(stmt, tier), tier)
		assert.Error(t, RequireSingleStatement(stmt), tier)
	}
}

func TestCheck_AllowsPlainSelect(t *testing.T) {
	assert.NoError(t, Check("SELECT id, email FROM users WHERE id = 7;", model.TierRead))
}

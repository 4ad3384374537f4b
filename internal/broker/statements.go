package broker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edvin/jitaccess/internal/model"
)

var (
	nonAlnum     = regexp.MustCompile(`[^a-z0-9]+`)
	repeatedSep  = regexp.MustCompile(`_+`)
	roleNameSafe = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)
)

// Identifier length limits for generated database users.
const (
	mysqlMaxUser    = 32
	postgresMaxUser = 63
)

// userFragment normalizes an identity to lowercase alphanumerics joined by
// underscores, dropping any email domain.
func userFragment(identity string) string {
	s := strings.ToLower(strings.TrimSpace(identity))
	if local, _, ok := strings.Cut(s, "@"); ok {
		s = local
	}
	s = nonAlnum.ReplaceAllString(s, "_")
	s = strings.Trim(repeatedSep.ReplaceAllString(s, "_"), "_")
	if s == "" {
		return "user"
	}
	return s
}

func requestFragment(requestID string, n int) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(requestID), "")
	if s == "" {
		return "req"
	}
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// RoleName is the per-request role path on the secrets authority. Reusing
// the same name for the same request makes issuance idempotent.
func RoleName(requester, requestID string) string {
	frag := strings.TrimRight(truncate(userFragment(requester), 20), "_")
	return roleNameSafe.ReplaceAllString(fmt.Sprintf("jit_%s_%s", frag, requestID), "_")
}

// UsernameTemplate embeds the requester and request ID into generated
// database usernames and keeps them within the engine's identifier limit.
func UsernameTemplate(requester, requestID, engine string) string {
	maxLen := mysqlMaxUser
	if engine == model.EnginePostgres {
		maxLen = postgresMaxUser
	}
	const suffix = "_{{random 4}}"
	// The template suffix renders to five characters.
	const rendered = 5

	user := strings.TrimRight(truncate(userFragment(requester), 12), "_")
	base := fmt.Sprintf("d_%s_%s", user, requestFragment(requestID, 8))
	if limit := maxLen - rendered; len(base) > limit {
		base = strings.TrimRight(base[:limit], "_")
	}
	return base + suffix
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// mysqlPrivileges maps operation families to a MySQL privilege list and
// reports whether WITH GRANT OPTION is required.
func mysqlPrivileges(ops []string) (string, bool) {
	want := make(map[string]bool)
	withGrant := false
	for _, op := range ops {
		switch strings.ToLower(strings.TrimSpace(op)) {
		case model.OpRead, "select", "explain", "describe":
			want["SELECT"] = true
		case "show":
			want["SELECT"] = true
			want["SHOW VIEW"] = true
		case model.OpWrite, "insert", "update", "delete":
			want["INSERT"] = true
			want["UPDATE"] = true
			want["DELETE"] = true
		case model.OpSchema, "create", "alter", "drop", "truncate":
			want["CREATE"] = true
			want["ALTER"] = true
			want["DROP"] = true
			want["INDEX"] = true
		case "execute", "call":
			want["EXECUTE"] = true
		case "lock":
			want["LOCK TABLES"] = true
		case "all":
			want["ALL PRIVILEGES"] = true
		case "grant":
			want["ALL PRIVILEGES"] = true
			withGrant = true
		}
	}
	if want["ALL PRIVILEGES"] {
		return "ALL PRIVILEGES", withGrant
	}

	order := []string{"SELECT", "SHOW VIEW", "INSERT", "UPDATE", "DELETE", "CREATE", "ALTER", "DROP", "INDEX", "EXECUTE", "LOCK TABLES"}
	var privs []string
	for _, p := range order {
		if want[p] {
			privs = append(privs, p)
		}
	}
	if len(privs) == 0 {
		privs = []string{"SELECT"}
	}
	return strings.Join(privs, ", "), false
}

func postgresPrivileges(ops []string) (table []string, schemaCreate bool) {
	want := make(map[string]bool)
	for _, op := range ops {
		switch strings.ToLower(strings.TrimSpace(op)) {
		case model.OpRead, "select", "show", "explain", "describe":
			want["SELECT"] = true
		case model.OpWrite, "insert", "update", "delete":
			want["INSERT"] = true
			want["UPDATE"] = true
			want["DELETE"] = true
		case model.OpSchema, "create", "alter", "drop", "truncate":
			want["TRUNCATE"] = true
			schemaCreate = true
		case "all", "grant":
			want["ALL"] = true
			schemaCreate = true
		}
	}
	if want["ALL"] {
		return []string{"ALL PRIVILEGES"}, schemaCreate
	}
	for _, p := range []string{"SELECT", "INSERT", "UPDATE", "DELETE", "TRUNCATE"} {
		if want[p] {
			table = append(table, p)
		}
	}
	if len(table) == 0 {
		table = []string{"SELECT"}
	}
	return table, schemaCreate
}

// roleStatements returns the creation and revocation statements for one
// per-request role. {{name}}, {{password}} and {{expiration}} are rendered
// by the secrets authority.
func roleStatements(engine string, databases, ops []string, iamAuth bool) (creation, revocation []string, withGrant bool) {
	if engine == model.EnginePostgres {
		db := databases[0]
		if iamAuth {
			creation = []string{
				`CREATE ROLE "{{name}}" WITH LOGIN;`,
				`GRANT rds_iam TO "{{name}}";`,
			}
		} else {
			creation = []string{`CREATE ROLE "{{name}}" WITH LOGIN PASSWORD '{{password}}' VALID UNTIL '{{expiration}}';`}
		}
		table, schemaCreate := postgresPrivileges(ops)
		creation = append(creation,
			fmt.Sprintf(`GRANT CONNECT ON DATABASE "%s" TO "{{name}}";`, db),
			`GRANT USAGE ON SCHEMA public TO "{{name}}";`,
			fmt.Sprintf(`GRANT %s ON ALL TABLES IN SCHEMA public TO "{{name}}";`, strings.Join(table, ", ")),
		)
		if schemaCreate {
			creation = append(creation, `GRANT CREATE ON SCHEMA public TO "{{name}}";`)
		}
		revocation = []string{
			`REVOKE ALL PRIVILEGES ON ALL TABLES IN SCHEMA public FROM "{{name}}";`,
			`REVOKE ALL PRIVILEGES ON SCHEMA public FROM "{{name}}";`,
			fmt.Sprintf(`REVOKE CONNECT ON DATABASE "%s" FROM "{{name}}";`, db),
			`DROP ROLE IF EXISTS "{{name}}";`,
		}
		return creation, revocation, false
	}

	privs, withGrant := mysqlPrivileges(ops)
	grantOpt := ""
	if withGrant {
		grantOpt = " WITH GRANT OPTION"
	}
	if iamAuth {
		creation = []string{`CREATE USER '{{name}}'@'%' IDENTIFIED WITH AWSAuthenticationPlugin AS 'RDS';`}
	} else {
		creation = []string{`CREATE USER '{{name}}'@'%' IDENTIFIED BY '{{password}}';`}
	}
	for _, db := range databases {
		creation = append(creation, fmt.Sprintf("GRANT %s ON `%s`.* TO '{{name}}'@'%%'%s;", privs, db, grantOpt))
	}
	revocation = []string{`DROP USER IF EXISTS '{{name}}'@'%';`}
	return creation, revocation, withGrant
}

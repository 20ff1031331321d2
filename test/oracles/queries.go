package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows. Quiescent oracles only hold
// once writers have stopped, because derived counters converge after the
// last write.
type Oracle struct {
	Name      string
	SQL       string
	Quiescent bool
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_orphan_agents",
			SQL: `SELECT a.id, a.parent_brokerage_id FROM broker_agents a
                  LEFT JOIN brokerage_companies c ON c.id = a.parent_brokerage_id
                  WHERE c.id IS NULL`,
		},
		{
			Name: "O2_email_unique_across_roles",
			SQL: `SELECT lower(email), COUNT(*) FROM (
                      SELECT email FROM brokerage_companies
                      UNION ALL
                      SELECT email FROM broker_agents) e
                  GROUP BY lower(email) HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_email_registry_owner",
			SQL: `SELECT c.id, e.owner_id FROM brokerage_companies c
                  JOIN account_emails e ON e.email = c.email
                  WHERE e.owner_id <> c.id OR e.owner_kind <> 'company'
                  UNION ALL
                  SELECT a.id, e.owner_id FROM broker_agents a
                  JOIN account_emails e ON e.email = a.email
                  WHERE e.owner_id <> a.id OR e.owner_kind <> 'agent'`,
		},
		{
			Name: "O4_id_format",
			SQL: `SELECT id FROM brokerage_companies WHERE id !~ '^[A-Z]{2}-FBB-[0-9]{4}[0-9]{3,}$'
                  UNION ALL
                  SELECT id FROM broker_agents WHERE id !~ '^[A-Z]{2}-BB-[0-9]{4}[0-9]{3,}$'`,
		},
		{
			Name: "O5_version_positive",
			SQL: `SELECT id FROM brokerage_companies WHERE version < 1
                  UNION ALL
                  SELECT id FROM broker_agents WHERE version < 1`,
		},
		{
			Name:      "O6_agent_counters_match_recount",
			Quiescent: true,
			SQL: `SELECT c.id,
                         COALESCE((c.performance->>'activeAgents')::int, 0) AS stored_active,
                         COUNT(a.id) FILTER (WHERE a.is_active) AS actual_active,
                         COALESCE((c.performance->>'totalAgents')::int, 0) AS stored_total,
                         COUNT(a.id) AS actual_total
                  FROM brokerage_companies c
                  LEFT JOIN broker_agents a ON a.parent_brokerage_id = c.id
                  GROUP BY c.id, c.performance
                  HAVING COALESCE((c.performance->>'activeAgents')::int, 0) <> COUNT(a.id) FILTER (WHERE a.is_active)
                      OR COALESCE((c.performance->>'totalAgents')::int, 0) <> COUNT(a.id)`,
		},
		{
			Name:      "O7_load_totals_match_agents",
			Quiescent: true,
			SQL: `SELECT c.id,
                         COALESCE((c.performance->>'totalLoads')::int, 0) AS stored_loads,
                         COALESCE(SUM((a.performance->>'loadsHandled')::int), 0) AS actual_loads
                  FROM brokerage_companies c
                  LEFT JOIN broker_agents a ON a.parent_brokerage_id = c.id
                  GROUP BY c.id, c.performance
                  HAVING COALESCE((c.performance->>'totalLoads')::int, 0)
                      <> COALESCE(SUM((a.performance->>'loadsHandled')::int), 0)`,
		},
	}
}

// Run executes the oracles and returns the first failure (name and sample
// row) or an empty name when all pass. Quiescent oracles run only when
// quiescent is true.
func Run(ctx context.Context, pool *pgxpool.Pool, quiescent bool) (string, string, error) {
	for _, o := range All() {
		if o.Quiescent && !quiescent {
			continue
		}
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}

package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PGRepository stores the directory in PostgreSQL. Emails are unique across
// companies and agents through the shared account_emails table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const companyColumns = `
	id, company_name, owner_name, email, phone, address, mc_number, dot_number,
	password_hash, is_active, registration_date, performance, version
`

const agentColumns = `
	id, first_name, last_name, email, phone, department, position, parent_brokerage_id,
	password_hash, is_active, hired_date, permissions, performance, version
`

func (r *PGRepository) InsertCompany(ctx context.Context, company BrokerageCompany) error {
	performance, err := json.Marshal(company.Performance)
	if err != nil {
		return fmt.Errorf("hierarchy: marshal performance: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("hierarchy: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	email := normalizeEmail(company.Email)
	if err := claimEmail(ctx, tx, email, company.ID, "company"); err != nil {
		return err
	}

	const insertSQL = `
INSERT INTO brokerage_companies (id, company_name, owner_name, email, phone, address, mc_number, dot_number,
                                 password_hash, is_active, registration_date, performance, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1);
`
	if _, err := tx.Exec(ctx, insertSQL,
		company.ID, company.CompanyName, company.OwnerName, email, company.Phone, company.Address,
		company.MCNumber, company.DOTNumber, company.PasswordHash, company.IsActive,
		company.RegistrationDate, performance,
	); err != nil {
		return mapInsertErr("insert company", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("hierarchy: commit company: %w", err)
	}
	return nil
}

func (r *PGRepository) InsertAgent(ctx context.Context, agent BrokerAgent) error {
	permissions, err := json.Marshal(agent.Permissions)
	if err != nil {
		return fmt.Errorf("hierarchy: marshal permissions: %w", err)
	}
	performance, err := json.Marshal(agent.Performance)
	if err != nil {
		return fmt.Errorf("hierarchy: marshal performance: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("hierarchy: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	email := normalizeEmail(agent.Email)
	if err := claimEmail(ctx, tx, email, agent.ID, "agent"); err != nil {
		return err
	}

	const insertSQL = `
INSERT INTO broker_agents (id, first_name, last_name, email, phone, department, position, parent_brokerage_id,
                           password_hash, is_active, hired_date, permissions, performance, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1);
`
	if _, err := tx.Exec(ctx, insertSQL,
		agent.ID, agent.FirstName, agent.LastName, email, agent.Phone, agent.Department, agent.Position,
		agent.ParentBrokerageID, agent.PasswordHash, agent.IsActive, agent.HiredDate, permissions, performance,
	); err != nil {
		return mapInsertErr("insert agent", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("hierarchy: commit agent: %w", err)
	}
	return nil
}

func claimEmail(ctx context.Context, tx pgx.Tx, email, ownerID, kind string) error {
	const claimSQL = `INSERT INTO account_emails (email, owner_id, owner_kind) VALUES ($1, $2, $3);`
	if _, err := tx.Exec(ctx, claimSQL, email, ownerID, kind); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if pgErr.ConstraintName == "account_emails_pkey" {
				return ErrDuplicateEmail
			}
			return ErrDuplicateID
		}
		return fmt.Errorf("hierarchy: claim email: %w", err)
	}
	return nil
}

func mapInsertErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicateID
		case pgForeignKeyViolation:
			return ErrNotFound
		}
	}
	return fmt.Errorf("hierarchy: %s: %w", op, err)
}

func (r *PGRepository) GetCompany(ctx context.Context, id string) (BrokerageCompany, error) {
	query := `SELECT ` + companyColumns + ` FROM brokerage_companies WHERE id = $1`
	return scanCompany(r.pool.QueryRow(ctx, query, id))
}

func (r *PGRepository) GetCompanyByEmail(ctx context.Context, email string) (BrokerageCompany, error) {
	query := `SELECT ` + companyColumns + ` FROM brokerage_companies WHERE email = $1`
	return scanCompany(r.pool.QueryRow(ctx, query, normalizeEmail(email)))
}

func (r *PGRepository) GetAgent(ctx context.Context, id string) (BrokerAgent, error) {
	query := `SELECT ` + agentColumns + ` FROM broker_agents WHERE id = $1`
	return scanAgent(r.pool.QueryRow(ctx, query, id))
}

func (r *PGRepository) GetAgentByEmail(ctx context.Context, email string) (BrokerAgent, error) {
	query := `SELECT ` + agentColumns + ` FROM broker_agents WHERE email = $1`
	return scanAgent(r.pool.QueryRow(ctx, query, normalizeEmail(email)))
}

func (r *PGRepository) ListCompanies(ctx context.Context) ([]BrokerageCompany, error) {
	query := `SELECT ` + companyColumns + ` FROM brokerage_companies ORDER BY created_seq ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: list companies: %w", err)
	}
	defer rows.Close()

	companies := make([]BrokerageCompany, 0, 16)
	for rows.Next() {
		company, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		companies = append(companies, company)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hierarchy: iterate companies: %w", err)
	}
	return companies, nil
}

func (r *PGRepository) ListAgentsByCompany(ctx context.Context, companyID string) ([]BrokerAgent, error) {
	query := `SELECT ` + agentColumns + ` FROM broker_agents WHERE parent_brokerage_id = $1 ORDER BY created_seq ASC`
	rows, err := r.pool.Query(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("hierarchy: list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]BrokerAgent, 0, 8)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hierarchy: iterate agents: %w", err)
	}
	return agents, nil
}

func (r *PGRepository) EmailTaken(ctx context.Context, email string) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM account_emails WHERE email = $1)`, normalizeEmail(email)).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("hierarchy: email taken: %w", err)
	}
	return taken, nil
}

func (r *PGRepository) IDTaken(ctx context.Context, id string) (bool, error) {
	var taken bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM account_emails WHERE owner_id = $1)`, id).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("hierarchy: id taken: %w", err)
	}
	return taken, nil
}

func (r *PGRepository) UpdateCompany(ctx context.Context, company BrokerageCompany) (BrokerageCompany, error) {
	performance, err := json.Marshal(company.Performance)
	if err != nil {
		return BrokerageCompany{}, fmt.Errorf("hierarchy: marshal performance: %w", err)
	}

	query := `
		UPDATE brokerage_companies
		SET company_name = $3, owner_name = $4, phone = $5, address = $6, mc_number = $7, dot_number = $8,
		    password_hash = $9, is_active = $10, performance = $11, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + companyColumns

	updated, err := scanCompany(r.pool.QueryRow(ctx, query,
		company.ID, company.Version, company.CompanyName, company.OwnerName, company.Phone, company.Address,
		company.MCNumber, company.DOTNumber, company.PasswordHash, company.IsActive, performance,
	))
	if errors.Is(err, ErrNotFound) {
		return BrokerageCompany{}, r.missOrConflict(ctx, "brokerage_companies", company.ID)
	}
	return updated, err
}

func (r *PGRepository) UpdateAgent(ctx context.Context, agent BrokerAgent) (BrokerAgent, error) {
	permissions, err := json.Marshal(agent.Permissions)
	if err != nil {
		return BrokerAgent{}, fmt.Errorf("hierarchy: marshal permissions: %w", err)
	}
	performance, err := json.Marshal(agent.Performance)
	if err != nil {
		return BrokerAgent{}, fmt.Errorf("hierarchy: marshal performance: %w", err)
	}

	query := `
		UPDATE broker_agents
		SET first_name = $3, last_name = $4, phone = $5, department = $6, position = $7,
		    password_hash = $8, is_active = $9, hired_date = $10, permissions = $11, performance = $12,
		    version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + agentColumns

	updated, err := scanAgent(r.pool.QueryRow(ctx, query,
		agent.ID, agent.Version, agent.FirstName, agent.LastName, agent.Phone, agent.Department, agent.Position,
		agent.PasswordHash, agent.IsActive, agent.HiredDate, permissions, performance,
	))
	if errors.Is(err, ErrNotFound) {
		return BrokerAgent{}, r.missOrConflict(ctx, "broker_agents", agent.ID)
	}
	return updated, err
}

// missOrConflict tells a missing row apart from a stale version after a
// guarded update matched nothing.
func (r *PGRepository) missOrConflict(ctx context.Context, table, id string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("hierarchy: check %s: %w", table, err)
	}
	if exists {
		return ErrVersionConflict
	}
	return ErrNotFound
}

func scanCompany(row pgx.Row) (BrokerageCompany, error) {
	var (
		c           BrokerageCompany
		performance []byte
	)
	err := row.Scan(
		&c.ID, &c.CompanyName, &c.OwnerName, &c.Email, &c.Phone, &c.Address, &c.MCNumber, &c.DOTNumber,
		&c.PasswordHash, &c.IsActive, &c.RegistrationDate, &performance, &c.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BrokerageCompany{}, ErrNotFound
		}
		return BrokerageCompany{}, fmt.Errorf("hierarchy: scan company: %w", err)
	}
	if err := json.Unmarshal(performance, &c.Performance); err != nil {
		return BrokerageCompany{}, fmt.Errorf("hierarchy: decode company performance: %w", err)
	}
	return c, nil
}

func scanAgent(row pgx.Row) (BrokerAgent, error) {
	var (
		a           BrokerAgent
		permissions []byte
		performance []byte
	)
	err := row.Scan(
		&a.ID, &a.FirstName, &a.LastName, &a.Email, &a.Phone, &a.Department, &a.Position, &a.ParentBrokerageID,
		&a.PasswordHash, &a.IsActive, &a.HiredDate, &permissions, &performance, &a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BrokerAgent{}, ErrNotFound
		}
		return BrokerAgent{}, fmt.Errorf("hierarchy: scan agent: %w", err)
	}
	if err := json.Unmarshal(permissions, &a.Permissions); err != nil {
		return BrokerAgent{}, fmt.Errorf("hierarchy: decode permissions: %w", err)
	}
	if err := json.Unmarshal(performance, &a.Performance); err != nil {
		return BrokerAgent{}, fmt.Errorf("hierarchy: decode agent performance: %w", err)
	}
	return a, nil
}

var _ Repository = (*PGRepository)(nil)

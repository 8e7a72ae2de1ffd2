package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists risk assessments in PostgreSQL. The table is
// created by the goose migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, wallet_id, user_id, txn_type, amount, currency, score, decision, reason, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		a.ID,
		a.WalletID,
		a.UserID,
		a.Type,
		a.Amount,
		a.Currency,
		a.Score,
		string(a.Decision),
		a.Reason,
		factorsJSON,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, user_id, txn_type, amount, currency, score, decision, reason, factors, evaluated_at
		FROM risk_assessments
		WHERE wallet_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Assessment, 0)
	for rows.Next() {
		var a Assessment
		var factorsJSON []byte
		if err := rows.Scan(&a.ID, &a.WalletID, &a.UserID, &a.Type, &a.Amount, &a.Currency,
			&a.Score, &a.Decision, &a.Reason, &factorsJSON, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Factors = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		result = append(result, &a)
	}
	return result, rows.Err()
}

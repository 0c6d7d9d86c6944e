package storage

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates every table the withdrawal service owns. Statements are
// idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id uuid PRIMARY KEY,
	balance numeric(20,6) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS custodial_addresses (
	address text PRIMARY KEY,
	balance numeric(20,6) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	native_balance numeric(20,6) NOT NULL DEFAULT 0,
	reserved numeric(20,6) NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	is_external boolean NOT NULL DEFAULT false,
	is_aml_banned boolean NOT NULL DEFAULT false,
	is_locked boolean NOT NULL DEFAULT false,
	locked_by uuid NULL,
	locked_at timestamptz NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS custodial_addresses_selectable_idx
	ON custodial_addresses (balance DESC)
	WHERE NOT is_locked AND NOT is_external AND NOT is_aml_banned;

CREATE INDEX IF NOT EXISTS custodial_addresses_locked_by_idx
	ON custodial_addresses (locked_by)
	WHERE is_locked;

CREATE TABLE IF NOT EXISTS ledger_movements (
	saga_id uuid NOT NULL,
	subject text NOT NULL,
	kind text NOT NULL,
	amount numeric(20,6) NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (saga_id, subject, kind)
);

CREATE TABLE IF NOT EXISTS withdrawal_sagas (
	id uuid PRIMARY KEY,
	user_id uuid NOT NULL,
	target_address text NOT NULL,
	amount numeric(20,6) NOT NULL,
	step text NOT NULL,
	state jsonb NOT NULL DEFAULT '{}'::jsonb,
	failure_reason text NOT NULL DEFAULT '',
	lease_owner text NULL,
	lease_expires_at timestamptz NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS withdrawal_sagas_active_idx
	ON withdrawal_sagas (created_at)
	WHERE step NOT IN ('completed', 'failed');

CREATE TABLE IF NOT EXISTS withdrawal_saga_steps (
	id bigserial PRIMARY KEY,
	saga_id uuid NOT NULL REFERENCES withdrawal_sagas(id) ON DELETE CASCADE,
	step text NOT NULL,
	outcome text NOT NULL,
	detail text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS withdrawal_saga_steps_saga_idx
	ON withdrawal_saga_steps (saga_id, id);
`

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

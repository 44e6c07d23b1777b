package domain

import (
	"database/sql"
	"time"
)

// Environment selects the authorizing environment of the webservice.
type Environment string

const (
	EnvironmentHomologation Environment = "homologacao"
	EnvironmentProduction   Environment = "producao"
)

// ContingencyMode selects the transmission channel when the primary
// regional service is unreachable.
type ContingencyMode string

const (
	ContingencyNormal ContingencyMode = "normal"
	ContingencySvcAN  ContingencyMode = "svc_an"
	ContingencySvcRS  ContingencyMode = "svc_rs"
)

// Establishment is an issuing establishment (fiscal_establishments row).
type Establishment struct {
	ID               string          `db:"id"`
	CNPJ             string          `db:"cnpj"`
	TradeName        string          `db:"trade_name"`
	UF               string          `db:"uf"`
	Environment      Environment     `db:"environment"`
	ContingencyMode  ContingencyMode `db:"contingency_mode"`
	ContingencySince sql.NullTime    `db:"contingency_since"`
	Active           bool            `db:"active"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// ContingencyEvent is an immutable record of a contingency mode transition.
type ContingencyEvent struct {
	ID              string          `db:"id"`
	EstablishmentID string          `db:"establishment_id"`
	PreviousMode    ContingencyMode `db:"previous_mode"`
	NewMode         ContingencyMode `db:"new_mode"`
	Reason          string          `db:"reason"`
	Diagnostic      string          `db:"diagnostic"`
	PendingJobs     int             `db:"pending_jobs"`
	CreatedAt       time.Time       `db:"created_at"`
}


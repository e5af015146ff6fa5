package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wb-go/wbf/dbpg"

	"github.com/mailyaan/mailyaan/internal/model"
)

// ErrCredentialNotFound is returned when a sender has no usable delivery
// credential on record.
var ErrCredentialNotFound = errors.New("credential not found")

// Repository resolves sender delivery credentials from the
// sender_credentials table. Callers bound lookups with a context timeout.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new credential repository.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// GetByEmail retrieves the delivery credential for a sender. A missing row,
// or a row whose secret material is empty, resolves to ErrCredentialNotFound.
func (r *Repository) GetByEmail(ctx context.Context, email string) (model.Credential, error) {
	query := `
		SELECT kind, smtp_host, smtp_port, smtp_user, smtp_pass, access_token
		FROM sender_credentials
		WHERE email = $1;
    `

	var (
		cred        model.Credential
		smtpHost    sql.NullString
		smtpPort    sql.NullInt64
		smtpUser    sql.NullString
		smtpPass    sql.NullString
		accessToken sql.NullString
	)

	err := r.db.Master.QueryRowContext(ctx, query, email).Scan(
		&cred.Kind, &smtpHost, &smtpPort, &smtpUser, &smtpPass, &accessToken,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Credential{}, ErrCredentialNotFound
		}

		return model.Credential{}, fmt.Errorf("failed to get credential: %w", err)
	}

	cred.SMTPHost = smtpHost.String
	cred.SMTPPort = int(smtpPort.Int64)
	cred.SMTPUser = smtpUser.String
	cred.SMTPPass = smtpPass.String
	cred.AccessToken = accessToken.String

	switch cred.Kind {
	case model.CredentialSMTP:
		if cred.SMTPHost == "" || cred.SMTPPass == "" {
			return model.Credential{}, ErrCredentialNotFound
		}
	case model.CredentialGmail:
		if cred.AccessToken == "" {
			return model.Credential{}, ErrCredentialNotFound
		}
	default:
		return model.Credential{}, ErrCredentialNotFound
	}

	return cred, nil
}

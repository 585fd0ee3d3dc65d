package services

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	appErrors "github.com/charlesng35/spoilr/pkg/errors"
)

var (
	errTaskResolved   = appErrors.NewBadRequest("That task has already been resolved")
	errNotTaskHolder  = appErrors.NewBadRequest("You can only do that to tasks you have claimed")
	errNoTasks        = appErrors.NewBadRequest("No tasks selected")
	errHintClosed     = appErrors.NewBadRequest("That hint request is no longer open")
	errHintsPaused    = appErrors.NewBadRequest("Hints are not available right now")
	errNoRecipients   = appErrors.NewBadRequest("None of the recipients can receive email")
	errNotInbound     = appErrors.NewBadRequest("Only received emails can be answered")
	errNoFreeAnswers  = appErrors.NewBadRequest("Your team has no free answers left")
	errAlreadyCreated = appErrors.NewBadRequest("That request has already been made")
)

// isUniqueConstraintError detects uniqueness violations across the supported drivers.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate")
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return appErrors.ErrNotFound.WithMessage(what + " not found")
	}
	return err
}

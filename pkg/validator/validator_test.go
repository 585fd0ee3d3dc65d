package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type hintForm struct {
	Text   string `form:"text_content" validate:"required,max=4000"`
	Notify string `form:"notify_emails" validate:"required,notify_emails"`
	Slug   string `json:"slug" validate:"omitempty,slug"`
}

func TestValidateStructSuccess(t *testing.T) {
	require.NoError(t, ValidateStruct(hintForm{Text: "stuck", Notify: "all", Slug: "intro-1"}))
	require.NoError(t, ValidateStruct(hintForm{Text: "stuck", Notify: "a@x.test, b@y.test"}))
}

func TestValidateStructFailuresUseFormNames(t *testing.T) {
	err := ValidateStruct(hintForm{Notify: "sometimes", Slug: "Intro 1"})
	require.Error(t, err)

	var failures ValidationErrors
	require.True(t, errors.As(err, &failures))

	fe := failures.FormErrors()
	require.Equal(t, []string{"notify_emails", "slug", "text_content"}, fe.Fields())
	require.Equal(t, []string{"This field is required."}, fe["text_content"])
}

func TestValidNotifyEmails(t *testing.T) {
	require.True(t, ValidNotifyEmails("ALL"))
	require.True(t, ValidNotifyEmails("none"))
	require.False(t, ValidNotifyEmails(""))
	require.False(t, ValidNotifyEmails("bogus"))
}

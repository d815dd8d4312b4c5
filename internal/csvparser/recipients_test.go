package csvparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecipients(t *testing.T) {
	csv := "Name,Email,Classroom\nAda,ada@example.com,A\nGrace,grace@example.com,B\n"

	recipients, err := ParseRecipients(strings.NewReader(csv), 0)
	require.NoError(t, err)
	require.Len(t, recipients, 2)

	assert.Equal(t, "ada@example.com", recipients[0].Email)
	assert.Equal(t, "Ada", recipients[0].Fields["Name"])
	assert.Equal(t, "A", recipients[0].Fields["Classroom"])
	assert.Equal(t, "grace@example.com", recipients[1].Email)
}

func TestParseRecipientsEmailColumnCaseInsensitive(t *testing.T) {
	csv := "name,EMAIL\nAda,ada@example.com\n"

	recipients, err := ParseRecipients(strings.NewReader(csv), 0)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
	assert.Equal(t, "ada@example.com", recipients[0].Email)
}

func TestParseRecipientsSkipsBadRows(t *testing.T) {
	csv := "Name,Email\nAda,ada@example.com\nNoEmail,\n"

	recipients, err := ParseRecipients(strings.NewReader(csv), 0)
	require.NoError(t, err)
	require.Len(t, recipients, 1)
}

func TestParseRecipientsErrors(t *testing.T) {
	_, err := ParseRecipients(strings.NewReader("Name,Address\nAda,somewhere\n"), 0)
	assert.Error(t, err, "missing Email column")

	_, err = ParseRecipients(strings.NewReader("Name,Email\n"), 0)
	assert.Error(t, err, "no data rows")
}

func TestParseRecipientsMaxRows(t *testing.T) {
	csv := "Email\na@x.y\nb@x.y\nc@x.y\n"

	recipients, err := ParseRecipients(strings.NewReader(csv), 2)
	require.NoError(t, err)
	assert.Len(t, recipients, 2)
}

func TestSubstitute(t *testing.T) {
	fields := map[string]string{"Name": "Ada", "Classroom": "A"}

	got := Substitute("Hello {{Name}}, room {{Classroom}}.", fields)
	assert.Equal(t, "Hello Ada, room A.", got)

	assert.Equal(t, "no placeholders", Substitute("no placeholders", fields))
	assert.Equal(t, "", Substitute("", fields))
	assert.Equal(t, "{{Name}}", Substitute("{{Name}}", nil))
}

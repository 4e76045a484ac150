package csvparser_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sithey/sharpmailer/internal/csvparser"
	"github.com/Sithey/sharpmailer/internal/template"
)

func TestParseLeads(t *testing.T) {
	csv := "Email,Name,Company\n" +
		"ada@x.com,Ada,Acme\n" +
		"bob@x.com,Bob,Initech\n"

	leads, err := csvparser.ParseLeads(strings.NewReader(csv), 0)
	require.NoError(t, err)
	require.Len(t, leads, 2)

	assert.Equal(t, "ada@x.com", leads[0].Email)
	assert.NotEmpty(t, leads[0].ID)

	vars, err := template.ParseVars(leads[0].Variables)
	require.NoError(t, err)
	assert.Equal(t, "Ada", vars["Name"])
	assert.Equal(t, "Acme", vars["Company"])
}

func TestParseLeadsEmailColumnIsCaseInsensitive(t *testing.T) {
	leads, err := csvparser.ParseLeads(strings.NewReader("EMAIL\nada@x.com\n"), 0)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Empty(t, leads[0].Variables)
}

func TestParseLeadsSkipsMalformedRows(t *testing.T) {
	csv := "Email,Name\n" +
		"ada@x.com,Ada\n" +
		",missing-email\n"

	leads, err := csvparser.ParseLeads(strings.NewReader(csv), 0)
	require.NoError(t, err)
	assert.Len(t, leads, 1)
}

func TestParseLeadsRequiresEmailColumn(t *testing.T) {
	_, err := csvparser.ParseLeads(strings.NewReader("Name\nAda\n"), 0)
	assert.Error(t, err)
}

func TestParseLeadsRequiresData(t *testing.T) {
	_, err := csvparser.ParseLeads(strings.NewReader("Email\n"), 0)
	assert.Error(t, err)
}

func TestParseLeadsHonorsMaxRows(t *testing.T) {
	csv := "Email\na@x.com\nb@x.com\nc@x.com\n"

	leads, err := csvparser.ParseLeads(strings.NewReader(csv), 2)
	require.NoError(t, err)
	assert.Len(t, leads, 2)
}

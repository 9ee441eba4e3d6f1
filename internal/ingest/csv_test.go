package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadObservations_WithHeader(t *testing.T) {
	in := "name,source\nAcme Inc.,crm\nBeta LLC,web\n"

	obs, err := ReadObservations(strings.NewReader(in), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "Acme Inc.", obs[0].RawName)
	assert.Equal(t, "crm", obs[0].Source)
	assert.Equal(t, "Beta LLC", obs[1].RawName)
	assert.Equal(t, "web", obs[1].Source)
}

func TestReadObservations_Headerless(t *testing.T) {
	in := "Acme Inc.\nBeta LLC\n"

	obs, err := ReadObservations(strings.NewReader(in), CSVOptions{DefaultSource: "import"})
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "Acme Inc.", obs[0].RawName)
	assert.Equal(t, "import", obs[0].Source)
}

func TestReadObservations_EmptySourceFallsBack(t *testing.T) {
	in := "name,source\nAcme Inc.,\n"

	obs, err := ReadObservations(strings.NewReader(in), CSVOptions{DefaultSource: "bulk"})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "bulk", obs[0].Source)
}

func TestReadObservations_CustomColumns(t *testing.T) {
	in := "company,origin\nGamma Ltd,feed\n"

	obs, err := ReadObservations(strings.NewReader(in), CSVOptions{NameColumn: "company", SourceColumn: "origin"})
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "Gamma Ltd", obs[0].RawName)
	assert.Equal(t, "feed", obs[0].Source)
}

func TestReadObservations_BlankNameKept(t *testing.T) {
	in := "name\nAcme Inc.\n   \n"

	obs, err := ReadObservations(strings.NewReader(in), CSVOptions{})
	require.NoError(t, err)
	// Blank rows stay in the batch so they are counted as errors.
	require.Len(t, obs, 2)
	assert.Empty(t, obs[1].RawName)
}

func TestReadObservations_EmptyInput(t *testing.T) {
	_, err := ReadObservations(strings.NewReader(""), CSVOptions{})
	require.Error(t, err)

	_, err = ReadObservations(strings.NewReader("name\n"), CSVOptions{})
	require.Error(t, err)
}

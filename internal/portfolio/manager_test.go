package portfolio_test

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dnbwatch/internal/dnb/dnbtest"
	"dnbwatch/internal/domain"
	"dnbwatch/internal/portfolio"
	logx "dnbwatch/pkg/logx"
)

func newManager(t *testing.T) (*dnbtest.Server, *portfolio.Manager) {
	t.Helper()
	srv := dnbtest.New()
	t.Cleanup(srv.Close)
	return srv, portfolio.New(srv.NewClient(logx.Nop(), 0), logx.Nop())
}

func TestAddAndRemoveValidateFirst(t *testing.T) {
	srv, m := newManager(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.Add(ctx, "REF1", "12345"), domain.ErrInvalidDUNS)
	assert.ErrorIs(t, m.Add(ctx, "R", "123456789"), domain.ErrInvalidRegistration)
	assert.ErrorIs(t, m.Remove(ctx, "REF1", "12345678X"), domain.ErrInvalidDUNS)
	assert.Empty(t, srv.Requests())

	require.NoError(t, m.Add(ctx, "REF1", "123456789"))
	assert.Equal(t, []string{"123456789"}, srv.Subjects("REF1"))
	require.NoError(t, m.Remove(ctx, "REF1", "123456789"))
	assert.Empty(t, srv.Subjects("REF1"))
}

func TestBatchAddReportsEveryId(t *testing.T) {
	srv, m := newManager(t)
	ctx := context.Background()

	res, err := m.BatchAdd(ctx, "REF1", []string{"123456789", " 987654321", "bad", "123456789", "12345678"})
	require.NoError(t, err)
	assert.Equal(t, []string{"123456789", "987654321"}, res.Submitted)
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, "bad", res.Rejected[0].DUNS)
	assert.Equal(t, "12345678", res.Rejected[1].DUNS)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"123456789", "987654321"}, srv.Subjects("REF1"))

	// One remote operation for the whole batch.
	var patches int
	for _, r := range srv.Requests() {
		if r == "PATCH /v1/monitoring/registrations/REF1/subjects" {
			patches++
		}
	}
	assert.Equal(t, 1, patches)

	res, err = m.BatchRemove(ctx, "REF1", []string{"987654321"})
	require.NoError(t, err)
	assert.Equal(t, []string{"987654321"}, res.Submitted)
	assert.Equal(t, []string{"123456789"}, srv.Subjects("REF1"))
}

func TestBatchWithOnlyInvalidIdsMakesNoCall(t *testing.T) {
	srv, m := newManager(t)
	res, err := m.BatchAdd(context.Background(), "REF1", []string{"x", "1"})
	require.NoError(t, err)
	assert.Len(t, res.Rejected, 2)
	assert.Empty(t, srv.Requests())
}

func TestBatchRemoteFailureMarksAllValidIdsFailed(t *testing.T) {
	srv, m := newManager(t)
	srv.FailNext(http.StatusBadRequest)

	res, err := m.BatchAdd(context.Background(), "REF1", []string{"123456789", "987654321", "nope"})
	require.Error(t, err)
	assert.Empty(t, res.Submitted)
	assert.Equal(t, []string{"123456789", "987654321"}, res.Failed)
	assert.Len(t, res.Rejected, 1)
	assert.ErrorIs(t, err, res.Err)
}

func TestExportAndStatus(t *testing.T) {
	_, m := newManager(t)
	ctx := context.Background()
	_, err := m.BatchAdd(ctx, "REF1", []string{"123456789"})
	require.NoError(t, err)

	got, err := m.Export(ctx, "REF1")
	require.NoError(t, err)
	assert.Equal(t, []string{"123456789"}, got)

	st, err := m.SubjectStatus(ctx, "REF1", "123456789")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", st["monitoringStatus"])

	_, err = m.SubjectStatus(ctx, "REF1", "987654321")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistrationLifecycle(t *testing.T) {
	srv, m := newManager(t)
	ctx := context.Background()

	_, err := m.CreateRegistration(ctx, domain.Registration{Reference: "REF1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRegistration)
	assert.Empty(t, srv.Requests())

	reg, err := portfolio.Template("standard", "REF1", []string{"123456789", "987654321"})
	require.NoError(t, err)
	res, err := m.CreateRegistration(ctx, reg)
	require.NoError(t, err)
	assert.Len(t, res.Submitted, 2)
	assert.True(t, srv.Suppressed("REF1"))

	require.NoError(t, m.Activate(ctx, "REF1"))
	got, err := m.Registration(ctx, "REF1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	require.NoError(t, m.Suppress(ctx, "REF1"))
	got, err = m.Registration(ctx, "REF1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuppressed, got.Status)
}

func TestLoadRegistrationFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "reg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
reference: Portfolio_A
description: key accounts
data_blocks: [companyinfo_L2_v1]
json_path_inclusion:
  - organization.primaryName
seed_data: true
duns_list:
  - "123456789"
`), 0o600))

	reg, err := portfolio.LoadRegistrationFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Portfolio_A", reg.Reference)
	assert.Equal(t, "UPDATE", reg.NotificationType)
	assert.Equal(t, "API_PULL", reg.DeliveryTrigger)
	assert.True(t, reg.SeedData)
	assert.Equal(t, []string{"123456789"}, reg.Subjects)

	require.NoError(t, os.WriteFile(path, []byte("reference: Portfolio_A\ndata_blocks: [x]\ncolour: red\n"), 0o600))
	_, err = portfolio.LoadRegistrationFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("reference: Portfolio_A\ndata_blocks: [x]\nduns_list: [\"1\"]\n"), 0o600))
	_, err = portfolio.LoadRegistrationFile(path)
	assert.ErrorIs(t, err, domain.ErrInvalidRegistration)
}

func TestReadDUNSFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "duns.txt")
	require.NoError(t, os.WriteFile(path, []byte("# portfolio\n123456789\n\n987654321, 111111111\n  222222222  \n"), 0o600))

	got, err := portfolio.ReadDUNSFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"123456789", "987654321", "111111111", "222222222"}, got)

	_, err = portfolio.ReadDUNSFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestTemplates(t *testing.T) {
	t.Parallel()
	reg, err := portfolio.Template("financial", "FIN_1", nil)
	require.NoError(t, err)
	assert.Contains(t, reg.DataBlocks, "paymentinsights_L1_v1")
	_, err = portfolio.Template("exotic", "FIN_1", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRegistration)
}

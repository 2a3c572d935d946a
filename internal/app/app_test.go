package app_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pncp-item-ingest/internal/app"
	"github.com/JakeFAU/pncp-item-ingest/internal/config"
	"github.com/JakeFAU/pncp-item-ingest/internal/procurement"
)

func ptr[T any](v T) *T { return &v }

func testConfig(baseURL, archiveDir string) config.Config {
	return config.Config{
		DB:      config.DBConfig{Host: "localhost", Port: 5432, Name: "pncp", Schema: "pncp"},
		Source:  config.SourceConfig{BaseURL: baseURL, RequestTimeout: 2 * time.Second, MaxItemsPerTriple: 100},
		Catalog: config.CatalogConfig{ExcludedSphere: "F"},
		Server:  config.ServerConfig{Port: 8080},
		Schedule: config.ScheduleConfig{
			Interval: time.Hour,
		},
		Archive: config.ArchiveConfig{Backend: config.ArchiveLocal, BaseDir: archiveDir, Prefix: "items"},
	}
}

func TestAssembleDryRunIngestsIntoMemory(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/itens/1") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"numeroItem":1,"descricao":"caneta"}`)
	}))
	t.Cleanup(srv.Close)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	archiveDir := t.TempDir()
	var console bytes.Buffer
	a, err := app.Assemble(context.Background(), testConfig(srv.URL+"/orgaos", archiveDir), mock, nil, app.Options{
		DryRun:     true,
		Console:    &console,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM pncp.contratacoes_publicas")).
		WithArgs("F").
		WillReturnRows(mock.NewRows([]string{"numero_controle_pncp", "orgao_cnpj", "sequencial_compra", "ano_compra"}).
			AddRow(ptr("00394452000103-1-000001/2024"), ptr("00394452000103"), ptr(int64(1)), ptr(int64(2024))))
	mock.ExpectClose()

	summary, err := a.Pipeline().RunFullIngestion(context.Background())
	require.NoError(t, err)
	require.Equal(t, procurement.RunSucceeded, summary.Status)
	require.Equal(t, 1, summary.Totals.Write.Inserted)

	items := a.DryRunItems().Items()
	require.Len(t, items, 1)
	require.Equal(t, "00394452000103-1-000001/2024", items[0].ControlID)

	_, err = os.Stat(filepath.Join(archiveDir, "items", "00394452000103", "2024", "1", "1.json"))
	require.NoError(t, err)

	require.NoError(t, a.Close(context.Background()))
	require.Contains(t, console.String(), "run "+summary.RunID+" started")

	stored, err := a.Runs().GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Equal(t, procurement.RunSucceeded, stored.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssembleRejectsInvalidSource(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.ExpectClose()

	cfg := testConfig("not a url", t.TempDir())
	_, err = app.Assemble(context.Background(), cfg, mock, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssembleWithoutArchive(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	cfg := testConfig("https://pncp.gov.br/api/pncp/v1/orgaos", "")
	cfg.Archive.Backend = config.ArchiveNone
	a, err := app.Assemble(context.Background(), cfg, mock, nil, app.Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.Nil(t, a.DryRunItems())
	require.NotNil(t, a.Runs())
	require.False(t, a.Pipeline().Running())

	mock.ExpectClose()
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

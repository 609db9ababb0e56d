package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/config"
	"hydronet/pkg/hydro"
	"hydronet/services/control-svc/internal/clients"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnrichGeometry_FillsMissingSections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sections/C-1/geometry", r.URL.Path)
		json.NewEncoder(w).Encode(clients.SectionGeometry{
			SectionID: "C-1", LengthM: 800, BedWidthM: 2.5, SideSlope: 1.5,
			Lining: "concrete",
		})
	}))
	defer srv.Close()

	gis := clients.NewGIS(config.GISConfig{BaseURL: srv.URL, Timeout: time.Second}, testLogger(), nil)

	net := hydro.NewNetwork()
	net.AddNode(&hydro.Node{ID: "N1", Kind: hydro.NodeKindJunction})
	net.AddNode(&hydro.Node{ID: "N2", Kind: hydro.NodeKindDelivery, Zone: "Z-1"})
	// Участок без съёмки: геометрия нулевая, облицовка не задана
	net.AddSection(&hydro.CanalSection{ID: "C-1", FromNode: "N1", ToNode: "N2"})

	enrichGeometry(context.Background(), gis, net, testLogger())

	s := net.Sections["C-1"]
	assert.Equal(t, 800.0, s.Length)
	assert.Equal(t, 2.5, s.BottomWidth)
	assert.Equal(t, 1.5, s.SideSlope)
	assert.Equal(t, hydro.LiningConcrete, s.Lining)
}

func TestEnrichGeometry_KeepsSurveyedSections(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gis := clients.NewGIS(config.GISConfig{BaseURL: srv.URL, Timeout: time.Second}, testLogger(), nil)

	net := hydro.NewNetwork()
	net.AddNode(&hydro.Node{ID: "N1", Kind: hydro.NodeKindJunction})
	net.AddNode(&hydro.Node{ID: "N2", Kind: hydro.NodeKindDelivery, Zone: "Z-1"})
	net.AddSection(&hydro.CanalSection{
		ID: "C-1", FromNode: "N1", ToNode: "N2",
		Length: 500, BottomWidth: 3, SideSlope: 1.5, Lining: hydro.LiningEarthen,
	})

	enrichGeometry(context.Background(), gis, net, testLogger())

	// Участок с данными из базы не трогаем и в ГИС не ходим
	assert.Equal(t, 0, calls)
	assert.Equal(t, hydro.LiningEarthen, net.Sections["C-1"].Lining)
}

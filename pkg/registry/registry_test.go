package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherr "github.com/taskmesh/core/pkg/errors"
)

func TestRegister_RejectsDuplicateID(t *testing.T) {
	r := New(nil)
	a := Agent{ID: "a1", Endpoint: "http://x", Capabilities: []Capability{{Name: "c", Methods: []string{"Foo"}}}}
	require.NoError(t, r.Register(a))

	err := r.Register(a)
	var dup *orcherr.AlreadyExistsError
	assert.ErrorAs(t, err, &dup)
}

func TestRegisterThenGet_ReturnsEqualRecord(t *testing.T) {
	r := New(nil)
	a := Agent{ID: "a1", Endpoint: "http://x", Capabilities: []Capability{{Name: "c", Methods: []string{"Foo"}}}}
	require.NoError(t, r.Register(a))

	got, err := r.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Endpoint, got.Endpoint)
	assert.Equal(t, StatusOnline, got.Status)
}

func TestUpdateStatus_UnknownIDFails(t *testing.T) {
	r := New(nil)
	err := r.UpdateStatus("missing", StatusOffline)
	var nf *orcherr.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestUpdateStatus_AdvancesLastSeenMonotonically(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(Agent{ID: "a1", Endpoint: "http://x"}))

	first, _ := r.Get("a1")
	require.NoError(t, r.UpdateStatus("a1", StatusBusy))
	second, _ := r.Get("a1")

	assert.False(t, second.LastSeen.Before(first.LastSeen))
}

func TestAdvertises_ExactAndGlobMethods(t *testing.T) {
	a := Agent{Capabilities: []Capability{{Methods: []string{"RequestRefactor", "image.*"}}}}
	assert.True(t, a.Advertises("RequestRefactor"))
	assert.True(t, a.Advertises("image.resize"))
	assert.False(t, a.Advertises("Bar"))
}

func TestProbeHealth_MarksOfflineOnNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := New(srv.Client())
	require.NoError(t, r.Register(Agent{ID: "a1", Endpoint: srv.URL}))

	r.ProbeHealth(context.Background())

	got, _ := r.Get("a1")
	assert.Equal(t, StatusOffline, got.Status)
}

func TestProbeHealth_RestoresOnlineOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.Client())
	require.NoError(t, r.Register(Agent{ID: "a1", Endpoint: srv.URL, Status: StatusOffline}))
	r.agents["a1"].Status = StatusOffline

	r.ProbeHealth(context.Background())

	got, _ := r.Get("a1")
	assert.Equal(t, StatusOnline, got.Status)
}

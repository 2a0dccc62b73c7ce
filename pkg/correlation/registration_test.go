package correlation

import (
	"context"
	"testing"

	"sipsearch-server/pkg/errors"
	"sipsearch-server/pkg/models"
	"sipsearch-server/pkg/query"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newRegistrationEngine(st *fakeStore) *RegistrationEngine {
	return NewRegistrationEngine(st, query.NewCompiler(query.DefaultCatalog()), testSearchConfig(), logrus.New())
}

func collectRegistrations(t *testing.T, st *fakeStore, q string) []SearchResult {
	t.Helper()
	results, err := newRegistrationEngine(st).Search(context.Background(), SearchRequest{
		Window: searchWindow(),
		Query:  q,
	})
	require.NoError(t, err)
	return collect(t, results)
}

func TestRegistrationCorrelatesByCallID(t *testing.T) {
	st := &fakeStore{byPrefix: map[string][]models.Record{
		models.PrefixRegisterIndex: {
			leg(bson.M{
				"call_id": "reg-a", "created_at": base, "terminated_at": base + 2_000,
				"caller": "alice", "callee": "alice", "state": "registered",
				"src_addr": "192.168.0.5", "dst_addr": "10.0.0.2", "dst_host": "registrar",
			}),
			// same transaction observed at the registrar: identical call id,
			// endpoints not reciprocal
			leg(bson.M{
				"call_id": "reg-a", "created_at": base + 50, "terminated_at": base + 2_050,
				"caller": "alice", "callee": "alice", "state": "registered",
				"src_addr": "10.0.0.7", "src_host": "lb-1",
				"dst_addr": "10.0.0.9", "dst_host": "core",
			}),
		},
	}}

	out := collectRegistrations(t, st, "sip.caller=alice")
	require.Len(t, out, 1)
	assert.Equal(t, models.MethodRegister, out[0].Method)
	assert.Equal(t, []string{"reg-a"}, out[0].CallIDs)
}

func TestRegistrationRequiresMatchingState(t *testing.T) {
	st := &fakeStore{byPrefix: map[string][]models.Record{
		models.PrefixRegisterIndex: {
			leg(bson.M{
				"call_id": "reg-a", "created_at": base, "terminated_at": base + 2_000,
				"caller": "alice", "callee": "alice", "state": "registered",
				"src_addr": "192.168.0.5", "dst_addr": "10.0.0.2",
			}),
			leg(bson.M{
				"call_id": "reg-b", "created_at": base + 50, "terminated_at": base + 2_050,
				"caller": "alice", "callee": "alice", "state": "failed",
				"src_addr": "10.0.0.2", "dst_addr": "10.0.0.9",
			}),
		},
	}}

	out := collectRegistrations(t, st, "sip.caller=alice")
	assert.Len(t, out, 2, "state mismatch must keep the legs apart")
}

func TestRegistrationSuppressesOverlappingRegisteredLegs(t *testing.T) {
	st := &fakeStore{byPrefix: map[string][]models.Record{
		models.PrefixRegisterIndex: {
			leg(bson.M{
				"call_id": "reg-a", "created_at": base,
				"caller": "alice", "callee": "alice", "state": "registered",
				"src_addr": "192.168.0.5", "src_port": int32(5060),
				"dst_addr": "10.0.0.2", "dst_port": int32(5060),
			}),
			// re-registration from the same address pair while reg-a is
			// still alive: must be consumed, not counted
			leg(bson.M{
				"call_id": "reg-renew", "created_at": base + 1_000,
				"caller": "alice", "callee": "alice", "state": "registered",
				"src_addr": "192.168.0.5", "src_port": int32(5060),
				"dst_addr": "10.0.0.2", "dst_port": int32(5060),
			}),
		},
	}}

	out := collectRegistrations(t, st, "sip.caller=alice")
	require.Len(t, out, 1, "the re-registration must not surface as a second result")
	assert.Equal(t, []string{"reg-a"}, out[0].CallIDs)
}

func TestRegistrationDisplayLegPrefersEdgeRecord(t *testing.T) {
	st := &fakeStore{byPrefix: map[string][]models.Record{
		models.PrefixRegisterIndex: {
			// core record observed first, edge record (no src_host) later
			leg(bson.M{
				"call_id": "reg-a", "created_at": base,
				"caller": "alice", "callee": "alice", "state": "unauthorized",
				"src_addr": "10.0.0.7", "src_host": "lb-1",
				"dst_addr": "10.0.0.9", "dst_host": "core",
				"error_code": "401",
			}),
			leg(bson.M{
				"call_id": "reg-a", "created_at": base + 20,
				"caller": "alice", "callee": "alice", "state": "unauthorized",
				"src_addr": "192.168.0.5",
				"dst_addr": "10.0.0.7", "dst_host": "lb-1",
				"error_code": "407",
			}),
		},
	}}

	out := collectRegistrations(t, st, "sip.caller=alice")
	require.Len(t, out, 1)

	// timestamps and first-leg fields come from the edge record
	assert.Equal(t, base+20, out[0].CreatedAt)
	assert.Equal(t, "407", out[0].ErrorCode)
}

func TestRegistrationRejectsMediaFilters(t *testing.T) {
	_, err := newRegistrationEngine(&fakeStore{}).Search(context.Background(), SearchRequest{
		Window: searchWindow(),
		Query:  "rtp.mos<3",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotSupported)
}

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry()
	call := newCallEngine(&fakeStore{})
	reg := newRegistrationEngine(&fakeStore{})
	registry.Register(models.MethodInvite, call)
	registry.Register(models.MethodRegister, reg)

	service, err := registry.Lookup("")
	require.NoError(t, err)
	assert.Same(t, call, service, "empty method defaults to INVITE")

	service, err = registry.Lookup("register")
	require.NoError(t, err)
	assert.Same(t, reg, service)

	_, err = registry.Lookup("OPTIONS")
	assert.ErrorIs(t, err, errors.ErrNotSupported)
}

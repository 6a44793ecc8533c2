package registry_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/proxim/internal/device"
	"github.com/srg/proxim/internal/registry"
	"github.com/srg/proxim/internal/testutils"
)

type mockDelegate struct {
	mock.Mock
}

func (m *mockDelegate) DidCreate(d *device.Device) { m.Called(d.ID()) }
func (m *mockDelegate) DidUpdate(d *device.Device, attr device.Attribute) {
	m.Called(d.ID(), attr)
}
func (m *mockDelegate) DidDelete(d *device.Device) { m.Called(d.ID()) }

type RegistryTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	registry *registry.Registry
	delegate *mockDelegate
}

func (s *RegistryTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.registry = registry.New(s.helper.Clock, time.Hour, s.helper.Logger)
	s.delegate = &mockDelegate{}
	s.delegate.On("DidUpdate", mock.Anything, mock.Anything).Maybe()
	s.registry.AddDelegate(s.delegate)
}

func (s *RegistryTestSuite) TestUpsertIsIdempotent() {
	s.delegate.On("DidCreate", device.Identifier("peer-1")).Once()

	first := s.registry.Upsert("peer-1")
	second := s.registry.Upsert("peer-1")

	s.Same(first, second, "upsert MUST return the existing record")
	s.Equal(1, s.registry.Len())
	s.delegate.AssertExpectations(s.T())
}

func (s *RegistryTestSuite) TestManyRecordsStayReachable() {
	s.delegate.On("DidCreate", mock.Anything)
	s.delegate.On("DidDelete", mock.Anything)

	const n = 64
	created := make(map[device.Identifier]*device.Device, n)
	for i := 0; i < n; i++ {
		id := device.Identifier(fmt.Sprintf("p%d", i))
		created[id] = s.registry.Upsert(id)
	}

	s.Equal(n, s.registry.Len())
	s.Len(s.registry.All(), n, "snapshot MUST include every record")
	for id, d := range created {
		got, ok := s.registry.Get(id)
		s.Require().True(ok, "record %s MUST be retrievable", id)
		s.Same(d, got)
		s.Same(d, s.registry.Upsert(id), "second upsert of %s MUST return the same record", id)
	}
	s.Equal(n, s.registry.Len(), "repeated upserts MUST NOT add records")

	for id := range created {
		s.True(s.registry.Delete(id), "record %s MUST be deletable", id)
	}
	s.Zero(s.registry.Len())
	s.Empty(s.registry.All())
}

func (s *RegistryTestSuite) TestConcurrentUpsertCreatesOneRecord() {
	s.delegate.On("DidCreate", device.Identifier("peer-1")).Once()

	var wg sync.WaitGroup
	records := make([]*device.Device, 16)
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			records[i] = s.registry.Upsert("peer-1")
		}(i)
	}
	wg.Wait()

	for _, d := range records {
		s.Same(records[0], d)
	}
	s.delegate.AssertNumberOfCalls(s.T(), "DidCreate", 1)
}

func (s *RegistryTestSuite) TestAllIsSortedSnapshot() {
	s.delegate.On("DidCreate", mock.Anything)
	for _, id := range []device.Identifier{"c", "a", "b"} {
		s.registry.Upsert(id)
	}

	var ids []device.Identifier
	for _, d := range s.registry.All() {
		ids = append(ids, d.ID())
	}
	s.Equal([]device.Identifier{"a", "b", "c"}, ids)
}

func (s *RegistryTestSuite) TestUpdatesAreForwarded() {
	s.delegate.On("DidCreate", mock.Anything)
	d := s.registry.Upsert("peer-1")
	d.SetRSSI(-70)

	s.delegate.AssertCalled(s.T(), "DidUpdate", device.Identifier("peer-1"), device.AttributeRSSI)
}

func (s *RegistryTestSuite) TestDeleteReleasesConnection() {
	s.delegate.On("DidCreate", mock.Anything)
	s.delegate.On("DidDelete", device.Identifier("peer-1")).Once()

	d := s.registry.Upsert("peer-1")
	conn := testutils.NewFakeConn("AA")
	_, err := d.BeginConnect(conn)
	s.Require().NoError(err)

	s.True(s.registry.Delete("peer-1"))
	s.False(s.registry.Delete("peer-1"), "second delete MUST report absence")

	_, ok := s.registry.Get("peer-1")
	s.False(ok)
	s.Equal(1, conn.CloseCalls(), "deleted record MUST release its connection")
	s.delegate.AssertExpectations(s.T())
}

func (s *RegistryTestSuite) TestUpdatesFromRemovedRecordsAreDropped() {
	s.delegate.On("DidCreate", mock.Anything)
	s.delegate.On("DidDelete", mock.Anything)

	d := s.registry.Upsert("peer-1")
	s.registry.Delete("peer-1")
	d.SetRSSI(-50)

	s.delegate.AssertNotCalled(s.T(), "DidUpdate", device.Identifier("peer-1"), device.AttributeRSSI)
}

func (s *RegistryTestSuite) TestDeduplicate_PrefersLiveHandle() {
	s.delegate.On("DidCreate", mock.Anything)
	s.delegate.On("DidDelete", device.Identifier("new")).Once()

	live := s.registry.Upsert("old")
	live.SetPayload([]byte("same"))
	_, err := live.BeginConnect(testutils.NewFakeConn("AA"))
	s.Require().NoError(err)

	s.helper.Clock.Advance(time.Minute)
	idle := s.registry.Upsert("new")
	idle.SetPayload([]byte("same"))

	// "old" holds the handle, so the newer payload on "new" loses
	removed := s.registry.Deduplicate()
	s.Require().Len(removed, 1)
	s.Equal(device.Identifier("new"), removed[0].ID())

	_, ok := s.registry.Get("old")
	s.True(ok, "handle-holding record MUST survive")
	s.delegate.AssertExpectations(s.T())
}

func (s *RegistryTestSuite) TestDeduplicate_PrefersFresherPayload() {
	s.delegate.On("DidCreate", mock.Anything)
	s.delegate.On("DidDelete", device.Identifier("a")).Once()

	a := s.registry.Upsert("a")
	a.SetPayload([]byte("same"))
	s.helper.Clock.Advance(time.Second)
	b := s.registry.Upsert("b")
	b.SetPayload([]byte("same"))
	c := s.registry.Upsert("c")
	c.SetPayload([]byte("other"))
	s.registry.Upsert("d")

	removed := s.registry.Deduplicate()
	s.Require().Len(removed, 1)
	s.Equal(device.Identifier("a"), removed[0].ID())
	s.Equal(3, s.registry.Len(), "records with distinct or no payload MUST be kept")
}

func (s *RegistryTestSuite) TestRemoveExpired() {
	s.delegate.On("DidCreate", mock.Anything)
	s.delegate.On("DidDelete", device.Identifier("stale")).Once()

	stale := s.registry.Upsert("stale")
	conn := testutils.NewFakeConn("AA")
	h, err := stale.BeginConnect(conn)
	s.Require().NoError(err)
	stale.MarkConnected(h)

	s.helper.Clock.Advance(30 * time.Minute)
	fresh := s.registry.Upsert("fresh")
	fresh.Discovered()

	s.helper.Clock.Advance(30*time.Minute + time.Second)

	removed := s.registry.RemoveExpired()
	s.Require().Len(removed, 1)
	s.Equal(device.Identifier("stale"), removed[0].ID())
	s.Equal(1, conn.DisconnectCalls(), "expired record MUST be disconnected before removal")
	s.Equal(device.StateDisconnected, stale.State())

	_, ok := s.registry.Get("fresh")
	s.True(ok)
	s.delegate.AssertExpectations(s.T())
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func TestRemoveExpired_Boundary(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	r := registry.New(helper.Clock, time.Hour, helper.Logger)

	r.Upsert("peer-1")
	helper.Clock.Advance(time.Hour)
	assert.Empty(t, r.RemoveExpired(), "record exactly at the expiry age MUST be kept")

	helper.Clock.Advance(time.Nanosecond)
	require.Len(t, r.RemoveExpired(), 1)
	assert.Equal(t, 0, r.Len())
}

package rpc

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/sharegrid/internal/mutable"
	"github.com/tunnelmesh/sharegrid/internal/storage"
)

func newTestServer(t *testing.T, nodeID string, rateLimit float64, burst int) (*httptest.Server, *storage.Server) {
	t.Helper()
	srv := storage.NewServer(storage.ServerConfig{NodeID: nodeID, Logger: zerolog.Nop()})
	ts := httptest.NewServer(NewHandler(HandlerConfig{
		Server:    srv,
		RateLimit: rateLimit,
		RateBurst: burst,
		Logger:    zerolog.Nop(),
	}))
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return ts, srv
}

func testSecrets() storage.Secrets {
	return storage.Secrets{
		WriteEnabler: bytes.Repeat([]byte{1}, 32),
		RenewSecret:  bytes.Repeat([]byte{2}, 32),
		CancelSecret: bytes.Repeat([]byte{3}, 32),
	}
}

func TestClientWriteThenRead(t *testing.T) {
	ts, _ := newTestServer(t, "node-a", 0, 0)
	client := NewClient(ts.URL, ts.Client(), zerolog.Nop())
	ctx := context.Background()
	si := bytes.Repeat([]byte{0xAB}, 16)

	applied, data, err := client.SlotTestvAndReadvAndWritev(ctx, si, testSecrets(),
		map[int]storage.TestAndWriteVectors{
			0: {
				Tests:  []storage.TestVector{storage.EmptySlotTest()},
				Writes: []storage.WriteVector{{Offset: 0, Data: []byte("hello world")}},
			},
		}, []storage.ReadVector{{Offset: 0, Length: 5}})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Empty(t, data)

	got, err := client.SlotReadv(ctx, si, nil, []storage.ReadVector{{Offset: 6, Length: 5}})
	require.NoError(t, err)
	require.Contains(t, got, 0)
	assert.Equal(t, "world", string(got[0][0]))

	// a second empty-slot test now fails and reads back the existing data
	applied, data, err = client.SlotTestvAndReadvAndWritev(ctx, si, testSecrets(),
		map[int]storage.TestAndWriteVectors{
			0: {
				Tests:  []storage.TestVector{storage.EmptySlotTest()},
				Writes: []storage.WriteVector{{Offset: 0, Data: []byte("clobbered")}},
			},
		}, []storage.ReadVector{{Offset: 0, Length: 5}})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "hello", string(data[0][0]))
}

func TestClientReadMissingSlot(t *testing.T) {
	ts, _ := newTestServer(t, "node-a", 0, 0)
	client := NewClient(ts.URL, ts.Client(), zerolog.Nop())

	got, err := client.SlotReadv(context.Background(), bytes.Repeat([]byte{1}, 16), nil,
		[]storage.ReadVector{{Offset: 0, Length: 10}})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestClientBadWriteEnabler(t *testing.T) {
	ts, _ := newTestServer(t, "node-a", 0, 0)
	client := NewClient(ts.URL, ts.Client(), zerolog.Nop())
	ctx := context.Background()
	si := bytes.Repeat([]byte{7}, 16)
	write := map[int]storage.TestAndWriteVectors{
		3: {Writes: []storage.WriteVector{{Offset: 0, Data: []byte("x")}}},
	}

	_, _, err := client.SlotTestvAndReadvAndWritev(ctx, si, testSecrets(), write, nil)
	require.NoError(t, err)

	other := testSecrets()
	other.WriteEnabler = bytes.Repeat([]byte{9}, 32)
	_, _, err = client.SlotTestvAndReadvAndWritev(ctx, si, other, write, nil)
	assert.ErrorIs(t, err, storage.ErrBadWriteEnabler)
}

func TestClientRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, "node-a", 0.001, 1)
	client := NewClient(ts.URL, ts.Client(), zerolog.Nop())
	ctx := context.Background()
	si := bytes.Repeat([]byte{2}, 16)

	_, err := client.SlotReadv(ctx, si, nil, nil)
	require.NoError(t, err)
	_, err = client.SlotReadv(ctx, si, nil, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, "node-a", 0, 0)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad storage index", "/v1/slots/!!!/readv", `{}`, http.StatusBadRequest},
		{"malformed body", "/v1/slots/aaaaaaaa/readv", `{"shnums":`, http.StatusBadRequest},
		{"unknown field", "/v1/slots/aaaaaaaa/readv", `{"bogus":1}`, http.StatusBadRequest},
		{"negative read", "/v1/slots/aaaaaaaa/readv", `{"readv":[{"offset":-1,"length":2}]}`, http.StatusBadRequest},
		{"bad operator", "/v1/slots/aaaaaaaa/testv-and-readv-and-writev",
			`{"tw":{"0":{"tests":[{"offset":0,"length":1,"op":"xx","specimen":""}]}}}`, http.StatusBadRequest},
		{"overflowing read", "/v1/slots/aaaaaaaa/readv",
			`{"shnums":[0],"readv":[{"offset":1,"length":9223372036854775807}]}`, http.StatusBadRequest},
		{"share number out of range", "/v1/slots/aaaaaaaa/readv",
			`{"shnums":[65536],"readv":[{"offset":0,"length":1}]}`, http.StatusBadRequest},
		{"write past max slot size", "/v1/slots/aaaaaaaa/testv-and-readv-and-writev",
			`{"tw":{"0":{"writes":[{"offset":1000000000000,"data":"eA=="}]}}}`, http.StatusBadRequest},
		{"unknown route", "/v1/nowhere", `{}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ts.Client().Post(ts.URL+tt.path, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestClientUnreachable(t *testing.T) {
	ts, _ := newTestServer(t, "node-a", 0, 0)
	url := ts.URL
	ts.Close()

	client := NewClient(url, nil, zerolog.Nop())
	_, err := client.SlotReadv(context.Background(), bytes.Repeat([]byte{1}, 16), nil, nil)
	assert.Error(t, err)
}

func TestNodeID(t *testing.T) {
	ts, _ := newTestServer(t, "node-xyz", 0, 0)
	client := NewClient(ts.URL+"/", ts.Client(), zerolog.Nop())

	id, err := client.NodeID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-xyz", id)
}

func TestMutableFileOverHTTP(t *testing.T) {
	var peers mutable.StaticPeers
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("node-%d", i)
		ts, _ := newTestServer(t, id, 0, 0)
		peers = append(peers, mutable.Peer{ID: id, Server: NewClient(ts.URL, ts.Client(), zerolog.Nop())})
	}
	cfg := mutable.Config{RequiredShares: 2, TotalShares: 4, Logger: zerolog.Nop()}
	ctx := context.Background()

	node, err := mutable.Create(ctx, cfg, peers, []byte("over the wire"))
	require.NoError(t, err)
	require.NoError(t, node.Overwrite(ctx, []byte("second version")))

	reader, err := mutable.Open(cfg, peers, node.ReadCap())
	require.NoError(t, err)
	data, err := reader.DownloadBestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second version", string(data))

	sm, err := reader.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sm.HighestSeqnum())
	assert.Equal(t, 4, sm.Len())
}

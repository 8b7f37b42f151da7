package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/events"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	body   []byte
}

func newElasticServer(t *testing.T, status int, response string) (*ElasticClient, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		// Product check the client runs before its first request
		if r.Method == http.MethodGet && r.URL.Path == "/" {
			_, _ = w.Write([]byte(`{"version":{"number":"7.17.10","build_flavor":"default"},"tagline":"You Know, for Search"}`))
			return
		}

		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, recordedRequest{method: r.Method, path: r.URL.Path, body: body})
		mu.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	client, err := NewElasticClient(config.ElasticConfig{URL: srv.URL, Prefix: "test", Index: "orders"})
	require.NoError(t, err)
	return client, &requests
}

func TestIndexOrder_UsesOrderIDAsDocumentID(t *testing.T) {
	client, requests := newElasticServer(t, http.StatusCreated, `{"result":"created"}`)

	doc := OrderDocument{OrderID: "ord-1", ItemName: "Book", Quantity: 2}
	require.NoError(t, client.IndexOrder(context.Background(), doc))

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/test-orders/_doc/ord-1", req.path)

	var sent OrderDocument
	require.NoError(t, json.Unmarshal(req.body, &sent))
	assert.Equal(t, "Book", sent.ItemName)
}

func TestIndexOrder_ErrorResponse(t *testing.T) {
	client, _ := newElasticServer(t, http.StatusBadRequest, `{"error":{"type":"mapper_parsing_exception"}}`)

	err := client.IndexOrder(context.Background(), OrderDocument{OrderID: "ord-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestSearchByItemName(t *testing.T) {
	client, requests := newElasticServer(t, http.StatusOK, `{
		"hits": {
			"total": {"value": 3},
			"hits": [
				{"_source": {"orderId": "ord-1", "itemName": "Book", "quantity": 2}},
				{"_source": {"orderId": "ord-2", "itemName": "Book", "quantity": 1}}
			]
		}
	}`)

	docs, total, err := client.SearchByItemName(context.Background(), "Book", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, docs, 2)
	assert.Equal(t, "ord-1", docs[0].OrderID)
	assert.Equal(t, models.Order{OrderID: "ord-2", ItemName: "Book", Quantity: 1}, docs[1].Order())

	var query map[string]interface{}
	require.NoError(t, json.Unmarshal((*requests)[0].body, &query))
	assert.Equal(t, float64(2), query["from"])
	assert.Equal(t, float64(2), query["size"])
	assert.Equal(t, "/test-orders/_search", (*requests)[0].path)
}

// MockIndexer is a mock implementation of Indexer
type MockIndexer struct {
	mock.Mock
}

func (m *MockIndexer) IndexOrder(ctx context.Context, doc OrderDocument) error {
	return m.Called(ctx, doc).Error(0)
}

func TestProjector_IndexesCreatedOrder(t *testing.T) {
	indexer := new(MockIndexer)
	indexer.On("IndexOrder", mock.Anything, mock.MatchedBy(func(doc OrderDocument) bool {
		return doc.OrderID == "ord-1" && doc.ItemName == "Book" && doc.Quantity == 2 && !doc.IndexedAt.IsZero()
	})).Return(nil).Once()
	m := metrics.NewMetrics()

	p := NewProjector(indexer, m)
	err := p.HandleOrderCreated(context.Background(), events.Event{
		ID:      "evt-1",
		Type:    models.EventTypeOrderCreated,
		Payload: models.OrderCreatedEvent{OrderID: "ord-1", ItemName: "Book", Quantity: 2},
	})
	require.NoError(t, err)

	indexer.AssertExpectations(t)
	assert.Equal(t, int64(1), m.Counter(metrics.SearchIndexed))
}

func TestProjector_IndexFailure(t *testing.T) {
	indexer := new(MockIndexer)
	indexer.On("IndexOrder", mock.Anything, mock.Anything).Return(errors.New("cluster red"))
	m := metrics.NewMetrics()

	p := NewProjector(indexer, m)
	err := p.HandleOrderCreated(context.Background(), events.Event{
		ID:      "evt-1",
		Payload: &models.OrderCreatedEvent{OrderID: "ord-1"},
	})
	assert.Error(t, err)
	assert.Equal(t, int64(1), m.Counter(metrics.SearchIndexFailures))
}

func TestProjector_RejectsUnknownPayload(t *testing.T) {
	p := NewProjector(new(MockIndexer), nil)
	err := p.HandleOrderCreated(context.Background(), events.Event{ID: "evt-1", Payload: "nope"})
	assert.Error(t, err)
}

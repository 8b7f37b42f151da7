package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OrderDocument is the order projection stored in Elasticsearch
type OrderDocument struct {
	OrderID        string    `json:"orderId"`
	ItemName       string    `json:"itemName"`
	Quantity       int       `json:"quantity"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	IndexedAt      time.Time `json:"indexedAt"`
}

// NewOrderDocument builds the projection of a created order
func NewOrderDocument(event models.OrderCreatedEvent) OrderDocument {
	return OrderDocument{
		OrderID:        event.OrderID,
		ItemName:       event.ItemName,
		Quantity:       event.Quantity,
		IdempotencyKey: event.IdempotencyKey,
		IndexedAt:      time.Now().UTC(),
	}
}

// Order converts the document back into an order
func (d OrderDocument) Order() models.Order {
	return models.Order{
		OrderID:        d.OrderID,
		ItemName:       d.ItemName,
		Quantity:       d.Quantity,
		IdempotencyKey: d.IdempotencyKey,
	}
}

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

func (c *ElasticClient) indexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

// IndexOrder writes doc under its order id, so indexing the same order twice
// overwrites rather than duplicates.
func (c *ElasticClient) IndexOrder(ctx context.Context, doc OrderDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal order document")
	}

	req := esapi.IndexRequest{
		Index:      c.indexName(),
		DocumentID: doc.OrderID,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "index")
	}

	log.Debug().Str("order_id", doc.OrderID).Msg("Order indexed")
	return nil
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source OrderDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// SearchByItemName returns a page of orders whose item name matches. Pages
// are zero-based.
func (c *ElasticClient) SearchByItemName(ctx context.Context, itemName string, page, size int) ([]OrderDocument, int64, error) {
	if page < 0 {
		page = 0
	}
	query := map[string]interface{}{
		"from": page * size,
		"size": size,
		"sort": []interface{}{
			map[string]interface{}{"indexedAt": "asc"},
		},
		"query": map[string]interface{}{
			"match": map[string]interface{}{
				"itemName": itemName,
			},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.indexName()},
		Body:  bytes.NewReader(body),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, 0, responseError(res, "search")
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]OrderDocument, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, parsed.Hits.Total.Value, nil
}

func responseError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error [%d]: %v", op, res.StatusCode, e)
}

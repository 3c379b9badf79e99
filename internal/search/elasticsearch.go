package search

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/cardvault/services/sync/config"
	"example.com/cardvault/services/sync/internal/models"
)

// ElasticClient indexes archived sales for the admin dashboards
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

// IndexArchivedSale indexes a sale pulled from production, joined with
// the product snapshot it sold from. Indexing is best-effort: the
// caller logs and continues on failure, the sale row is the source of
// truth.
func (c *ElasticClient) IndexArchivedSale(ctx context.Context, sale *models.ArchivedSale, product *models.ProductSnapshot) error {
	saleDoc := map[string]interface{}{
		"sale_uid":           sale.SaleUID,
		"product_uid":        sale.ProductUID,
		"quantity":           sale.Quantity,
		"amount_cents":       sale.AmountCents,
		"currency":           sale.Currency,
		"payment_session_id": sale.PaymentSessionID,
		"sold_at":            sale.SoldAt,
		"imported_at":        sale.ImportedAt,
	}
	if product != nil {
		saleDoc["product_name"] = product.Name
		saleDoc["condition_grade"] = product.ConditionGrade
		saleDoc["sku"] = product.SKU
	}

	docJson, err := json.Marshal(saleDoc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal sale document")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: sale.SaleUID,
		Body:       bytes.NewReader(docJson),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Debug().Str("sale_uid", sale.SaleUID).Str("index", indexName).Msg("Archived sale indexed")
	return nil
}

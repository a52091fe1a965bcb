package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/ripple/internal/cache"
	"github.com/zjrosen/ripple/internal/log"
	"github.com/zjrosen/ripple/internal/schema"
	"github.com/zjrosen/ripple/internal/storage"
)

// MetaCollectionName is the reserved internal collection holding one
// metadata record per (collection name, schema version). User collections
// must not use it.
const MetaCollectionName = "_ripple_meta"

// LocalNamespace is the reserved key-object namespace for instance-local
// metadata such as the storage token.
const LocalNamespace = ""

const metadataCacheTTL = 5 * time.Minute

// metadataRecord is the durable description of one collection schema at
// one version. The schema hash is immutable once written.
type metadataRecord struct {
	ID         string
	Name       string
	Version    int
	SchemaHash string
	Schema     *schema.Schema
	Deleted    bool

	// stored is the raw document as last read, carrying the rev needed
	// for a subsequent rev-checked write.
	stored storage.Document
}

// metadataID builds the composite record identifier.
func metadataID(name string, version int) string {
	return fmt.Sprintf("%s-%d", name, version)
}

// storageCollectionName names the backend store for one schema version of a
// collection. Versions never share storage, so removing one version cannot
// disturb another.
func storageCollectionName(name string, version int) string {
	return fmt.Sprintf("%s-%d", name, version)
}

// metadataSchema describes the reserved internal collection itself.
func metadataSchema() *schema.Schema {
	return &schema.Schema{
		Title:      MetaCollectionName,
		Version:    0,
		PrimaryKey: "id",
		Required:   []string{"name", "version", "hash", "data"},
		Properties: map[string]schema.Property{
			"id":      {Type: "string", MaxLength: 256, Final: true},
			"name":    {Type: "string", Final: true},
			"version": {Type: "number", Final: true},
			"hash":    {Type: "string", Final: true},
			"data":    {Type: "string"},
		},
	}
}

// metadataStore wraps the reserved storage instance with a read-through
// TTL cache. All mutations must run under the concurrency gate.
type metadataStore struct {
	instance storage.Instance
	records  cache.Manager[metadataRecord]
}

func newMetadataStore(instance storage.Instance) *metadataStore {
	return &metadataStore{
		instance: instance,
		records:  cache.NewInMemory[metadataRecord]("metadata", cache.DefaultExpiration, cache.DefaultCleanupInterval),
	}
}

// fetch returns the records for ids in one storage round trip for the
// cache misses. Absent ids are simply missing from the result.
func (m *metadataStore) fetch(ctx context.Context, ids []string) (map[string]metadataRecord, error) {
	found, missing := m.records.GetMultiple(ctx, ids)
	if len(missing) == 0 {
		return found, nil
	}

	docs, err := m.instance.FindDocumentsByID(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata records: %w", err)
	}
	for id, doc := range docs {
		record, err := decodeMetadataRecord(doc)
		if err != nil {
			return nil, err
		}
		found[id] = record
		m.records.Set(ctx, id, record, metadataCacheTTL)
	}
	return found, nil
}

// fetchFresh bypasses the cache; used to re-inspect records after a
// cross-instance write conflict.
func (m *metadataStore) fetchFresh(ctx context.Context, ids []string) (map[string]metadataRecord, error) {
	m.records.Delete(ctx, ids...)
	return m.fetch(ctx, ids)
}

// insertNew writes all records in a single bulk write. Conflicts are
// reported per record in the result, not as an error: a conflicting row
// means another instance registered the same identifier concurrently.
func (m *metadataStore) insertNew(ctx context.Context, records []metadataRecord) (storage.BulkWriteResult, error) {
	rows := make([]storage.BulkWriteRow, 0, len(records))
	for _, record := range records {
		doc, err := encodeMetadataRecord(record)
		if err != nil {
			return storage.BulkWriteResult{}, err
		}
		rows = append(rows, storage.BulkWriteRow{Document: doc})
	}

	result, err := m.instance.BulkWrite(ctx, rows)
	if err != nil {
		return storage.BulkWriteResult{}, fmt.Errorf("writing metadata records: %w", err)
	}

	for _, doc := range result.Success {
		record, err := decodeMetadataRecord(doc)
		if err != nil {
			return storage.BulkWriteResult{}, err
		}
		m.records.Set(ctx, record.ID, record, metadataCacheTTL)
	}
	log.Debug(log.CatMeta, "wrote metadata records", "written", len(result.Success), "conflicts", len(result.Errors))
	return result, nil
}

// allForCollection returns every live record for a collection name,
// covering all historical schema versions.
func (m *metadataStore) allForCollection(ctx context.Context, name string) ([]metadataRecord, error) {
	docs, err := m.instance.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing metadata records: %w", err)
	}

	var records []metadataRecord
	for _, doc := range docs {
		record, err := decodeMetadataRecord(doc)
		if err != nil {
			return nil, err
		}
		if record.Name == name {
			records = append(records, record)
		}
	}
	return records, nil
}

// all returns every live metadata record.
func (m *metadataStore) all(ctx context.Context) ([]metadataRecord, error) {
	docs, err := m.instance.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing metadata records: %w", err)
	}

	records := make([]metadataRecord, 0, len(docs))
	for _, doc := range docs {
		record, err := decodeMetadataRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// markDeleted tombstones the given records in one bulk write.
func (m *metadataStore) markDeleted(ctx context.Context, records []metadataRecord) error {
	rows := make([]storage.BulkWriteRow, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, record := range records {
		tombstone := record.stored.Clone()
		tombstone["_deleted"] = true
		rows = append(rows, storage.BulkWriteRow{Previous: record.stored, Document: tombstone})
		ids = append(ids, record.ID)
	}

	result, err := m.instance.BulkWrite(ctx, rows)
	if err != nil {
		return fmt.Errorf("deleting metadata records: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("deleting metadata records: %w", result.Errors[0])
	}
	m.records.Delete(ctx, ids...)
	return nil
}

func (m *metadataStore) close() error {
	m.records.Flush(context.Background())
	return m.instance.Close()
}

func encodeMetadataRecord(record metadataRecord) (storage.Document, error) {
	payload, err := json.Marshal(record.Schema.Normalize())
	if err != nil {
		return nil, fmt.Errorf("encoding schema for metadata record %q: %w", record.ID, err)
	}
	return storage.Document{
		"id":      record.ID,
		"name":    record.Name,
		"version": record.Version,
		"hash":    record.SchemaHash,
		"data":    string(payload),
	}, nil
}

func decodeMetadataRecord(doc storage.Document) (metadataRecord, error) {
	record := metadataRecord{
		ID:      doc.ID(),
		Deleted: doc.Deleted(),
		stored:  doc,
	}
	record.Name, _ = doc["name"].(string)
	record.SchemaHash, _ = doc["hash"].(string)

	switch v := doc["version"].(type) {
	case int:
		record.Version = v
	case float64:
		record.Version = int(v)
	}

	if data, ok := doc["data"].(string); ok && data != "" {
		var s schema.Schema
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return metadataRecord{}, fmt.Errorf("decoding schema in metadata record %q: %w", record.ID, err)
		}
		record.Schema = &s
	}
	return record, nil
}

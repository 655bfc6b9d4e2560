package retrieval

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/ai"
	"github.com/spigell/cv-screener/internal/logger"
)

const (
	fieldTitle     = "title"
	fieldText      = "text"
	fieldCategory  = "doc_type"
	fieldEmbedding = "embedding"
	fieldScore     = "score"

	defaultIndexName = "gt_idx"
	defaultPrefix    = "gt:"
)

// IndexOptions names the RediSearch index and sizes its vector field.
type IndexOptions struct {
	Name   string
	Prefix string
	Dim    int
}

// Index is a RediSearch HNSW index over hashes holding reference documents.
type Index struct {
	client   redis.UniversalClient
	embedder ai.Embedder
	name     string
	prefix   string
	dim      int
	logger   *zap.Logger
}

// NewIndex expects a client speaking RESP2, which is how FT.* replies are decoded.
func NewIndex(client redis.UniversalClient, embedder ai.Embedder, opts IndexOptions, log *zap.Logger) *Index {
	idx := &Index{
		client:   client,
		embedder: embedder,
		name:     strings.TrimSpace(opts.Name),
		prefix:   opts.Prefix,
		dim:      opts.Dim,
	}
	if idx.name == "" {
		idx.name = defaultIndexName
	}
	if idx.prefix == "" {
		idx.prefix = defaultPrefix
	}
	idx.logger = logger.WithFields(log, zap.String("index", idx.name))
	return idx
}

func (i *Index) Name() string {
	return i.name
}

// Ensure creates the index when missing, or drops and recreates it when
// recreate is set. Stored hashes are kept either way. It reports whether
// an index was created.
func (i *Index) Ensure(ctx context.Context, recreate bool) (bool, error) {
	names, err := i.client.FT_List(ctx).Result()
	if err != nil {
		return false, fmt.Errorf("list indexes: %w", err)
	}
	exists := slices.Contains(names, i.name)

	if exists && !recreate {
		return false, nil
	}
	if exists {
		if err := i.client.FTDropIndex(ctx, i.name).Err(); err != nil && !isUnknownIndex(err) {
			return false, fmt.Errorf("drop index %s: %w", i.name, err)
		}
	}
	if i.dim <= 0 {
		return false, errors.New("vector dimension must be positive to create the index")
	}

	err = i.client.FTCreate(ctx, i.name,
		&redis.FTCreateOptions{OnHash: true, Prefix: []interface{}{i.prefix}},
		&redis.FieldSchema{FieldName: fieldTitle, FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: fieldText, FieldType: redis.SearchFieldTypeText},
		&redis.FieldSchema{FieldName: fieldCategory, FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{
			FieldName: fieldEmbedding,
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{HNSWOptions: &redis.FTHNSWOptions{
				Type:           "FLOAT32",
				Dim:            i.dim,
				DistanceMetric: "COSINE",
			}},
		},
	).Err()
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "index already exists") {
			return false, nil
		}
		return false, fmt.Errorf("create index %s: %w", i.name, err)
	}

	i.logger.Info("search index created", zap.Int("dim", i.dim), zap.Bool("recreated", exists))
	return true, nil
}

// Add embeds doc and stores it under the index prefix.
func (i *Index) Add(ctx context.Context, doc Document) error {
	if strings.TrimSpace(doc.Text) == "" {
		return errors.New("document text must not be empty")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	vectors, err := i.embedder.Embed(ctx, []string{doc.Text}, ai.PurposeDocument)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	vec, err := i.single(vectors)
	if err != nil {
		return err
	}

	err = i.client.HSet(ctx, i.prefix+doc.ID, map[string]interface{}{
		fieldTitle:     doc.Title,
		fieldText:      doc.Text,
		fieldCategory:  string(doc.Category),
		fieldEmbedding: encodeVector(vec),
	}).Err()
	if err != nil {
		return fmt.Errorf("store document %s: %w", doc.ID, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (i *Index) Count(ctx context.Context) (int, error) {
	res, err := i.client.FTSearchWithArgs(ctx, i.name, "*", &redis.FTSearchOptions{
		NoContent:   true,
		LimitOffset: 0,
		Limit:       1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("count documents in %s: %w", i.name, err)
	}
	return res.Total, nil
}

// Search runs a KNN query restricted to one category. A missing index is
// created and the query retried once.
func (i *Index) Search(ctx context.Context, query string, category Category, k int) ([]Snippet, error) {
	vectors, err := i.embedder.Embed(ctx, []string{query}, ai.PurposeQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	vec, err := i.single(vectors)
	if err != nil {
		return nil, err
	}

	opts := &redis.FTSearchOptions{
		Return: []redis.FTSearchReturn{
			{FieldName: fieldTitle},
			{FieldName: fieldText},
			{FieldName: fieldCategory},
			{FieldName: fieldScore},
		},
		SortBy:         []redis.FTSearchSortBy{{FieldName: fieldScore, Asc: true}},
		Params:         map[string]interface{}{"vec": encodeVector(vec)},
		DialectVersion: 2,
		LimitOffset:    0,
		Limit:          k,
	}
	q := knnQuery(category, k)

	for attempt := 0; ; attempt++ {
		res, err := i.client.FTSearchWithArgs(ctx, i.name, q, opts).Result()
		if err == nil {
			return toSnippets(res, category), nil
		}
		if attempt > 0 || !isUnknownIndex(err) {
			return nil, fmt.Errorf("search %s: %w", i.name, err)
		}
		i.logger.Warn("search index missing, creating it", zap.Error(err))
		if _, err := i.Ensure(ctx, false); err != nil {
			return nil, err
		}
	}
}

func (i *Index) single(vectors [][]float32) ([]float32, error) {
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one embedding, got %d", len(vectors))
	}
	if i.dim > 0 && len(vectors[0]) != i.dim {
		return nil, fmt.Errorf("embedding has %d dimensions, index expects %d", len(vectors[0]), i.dim)
	}
	return vectors[0], nil
}

func knnQuery(category Category, k int) string {
	return fmt.Sprintf("(@%s:{%s})=>[KNN %d @%s $vec AS %s]",
		fieldCategory, escapeTag(string(category)), k, fieldEmbedding, fieldScore)
}

func toSnippets(res redis.FTSearchResult, requested Category) []Snippet {
	snippets := make([]Snippet, 0, len(res.Docs))
	for _, doc := range res.Docs {
		score, err := strconv.ParseFloat(doc.Fields[fieldScore], 64)
		if err != nil {
			score = math.Inf(1)
		}
		category := Category(doc.Fields[fieldCategory])
		if category == "" {
			category = requested
		}
		snippets = append(snippets, Snippet{
			Title:    doc.Fields[fieldTitle],
			Text:     doc.Fields[fieldText],
			Category: category,
			Score:    score,
		})
	}
	return snippets
}

// escapeTag backslash-escapes every rune RediSearch treats as a tag separator.
func escapeTag(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}

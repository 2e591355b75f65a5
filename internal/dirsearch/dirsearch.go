// Package dirsearch maintains a filename search accelerator over the
// Directory objects a Branch commits. It is not authoritative — the
// Index's edge set remains the source of truth for liveness and
// reachability — it only makes "is there a committed file whose name
// matches X" answerable without walking every tree, adapting the edge-ngram
// filename analyzer from the teacher's bleve indexer
// (pkg/index/index.go) from text content indexing to filename lookup.
package dirsearch

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/sirupsen/logrus"

	"github.com/kestrel-sync/objgraph/pkg/objectid"
	"github.com/kestrel-sync/objgraph/pkg/objects"
)

const (
	nameAnalyzerName   = "filenameEdgeNgram"
	nameTokenFilter    = "filenameEdgeFilter"
	defaultSearchLimit = 25
)

func buildIndexMapping() (mapping.IndexMapping, error) {
	defaultMapping := bleve.NewDocumentMapping()
	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = nameAnalyzerName
	defaultMapping.AddFieldMappingsAt("name", nameField)
	// dirId is matched whole by RemoveDirectory's term query, so it is
	// indexed as a single untokenized term.
	dirField := bleve.NewTextFieldMapping()
	dirField.Analyzer = keyword.Name
	defaultMapping.AddFieldMappingsAt("dirId", dirField)

	idxMapping := bleve.NewIndexMapping()
	idxMapping.DefaultMapping = defaultMapping
	idxMapping.DefaultAnalyzer = nameAnalyzerName

	if err := idxMapping.AddCustomTokenFilter(nameTokenFilter, map[string]any{
		"type": edgengram.Name,
		"min":  2.0,
		"max":  20.0,
	}); err != nil {
		return nil, fmt.Errorf("add token filter: %w", err)
	}
	if err := idxMapping.AddCustomAnalyzer(nameAnalyzerName, map[string]any{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			nameTokenFilter,
		},
	}); err != nil {
		return nil, fmt.Errorf("add analyzer: %w", err)
	}
	return idxMapping, nil
}

// doc is what gets indexed per (directory, filename, user) entry.
type doc struct {
	Name    string `json:"name"`
	DirID   string `json:"dirId"`
	EntryID string `json:"entryId"`
	User    string `json:"user"`
}

// Index is an in-memory bleve index over filenames seen across
// committed Directory objects. It carries no authority of its own and
// is populated incrementally: a Branch's CommitObserver calls
// RemoveDirectory on the old root and IndexDirectory on the new one
// from every commit, so the index tracks exactly what is live.
type Index struct {
	log *logrus.Logger
	bi  bleve.Index
}

// New constructs an empty filename search index.
func New(log *logrus.Logger) (*Index, error) {
	m, err := buildIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("dirsearch: build mapping: %w", err)
	}
	bi, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("dirsearch: new bleve index: %w", err)
	}
	return &Index{log: log, bi: bi}, nil
}

// Close releases the underlying bleve index.
func (idx *Index) Close() error {
	return idx.bi.Close()
}

func docID(dirID objectid.ID, name string) string {
	return dirID.String() + ":" + name
}

// IndexDirectory indexes every filename entry of d, which lives at
// dirID, replacing any prior entries from the same directory.
func (idx *Index) IndexDirectory(dirID objectid.ID, d *objects.Directory) error {
	if err := idx.RemoveDirectory(dirID); err != nil {
		return err
	}
	batch := idx.bi.NewBatch()
	for _, name := range d.Names() {
		entries, _ := d.Find(name)
		for _, ue := range entries {
			record := doc{
				Name:    name,
				DirID:   dirID.String(),
				EntryID: ue.VO.ID.String(),
				User:    ue.User.String(),
			}
			if err := batch.Index(docID(dirID, name)+":"+ue.User.String(), record); err != nil {
				return fmt.Errorf("dirsearch: batch index %s: %w", name, err)
			}
		}
	}
	if err := idx.bi.Batch(batch); err != nil {
		return fmt.Errorf("dirsearch: apply batch for %s: %w", dirID, err)
	}
	return nil
}

// RemoveDirectory deletes every entry previously indexed under dirID.
func (idx *Index) RemoveDirectory(dirID objectid.ID) error {
	query := bleve.NewTermQuery(dirID.String())
	query.SetField("dirId")
	req := bleve.NewSearchRequestOptions(query, 10000, 0, false)
	res, err := idx.bi.Search(req)
	if err != nil {
		return fmt.Errorf("dirsearch: search for removal %s: %w", dirID, err)
	}
	batch := idx.bi.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	if batch.Size() == 0 {
		return nil
	}
	return idx.bi.Batch(batch)
}

// Search returns up to limit filenames matching query across every
// indexed directory.
func (idx *Index) Search(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	match := bleve.NewMatchQuery(query)
	match.Analyzer = nameAnalyzerName
	req := bleve.NewSearchRequestOptions(match, limit, 0, false)
	req.Fields = []string{"name"}

	res, err := idx.bi.Search(req)
	if err != nil {
		return nil, fmt.Errorf("dirsearch: search: %w", err)
	}
	out := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if name, ok := hit.Fields["name"].(string); ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// Package chunks loads PDF pages and measures how many chunks a recursive
// character splitter produces for them.
package chunks

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
)

// Params configures one splitter run. The splitter drops separators unless
// KeepSeparator is set.
type Params struct {
	Size          int
	Overlap       int
	Separators    []string
	KeepSeparator bool
}

func (p Params) String() string {
	s := fmt.Sprintf("chunk_size=%d, chunk_overlap=%d", p.Size, p.Overlap)
	if len(p.Separators) > 0 {
		s += ", custom separators"
	}
	return s
}

func (p Params) Validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", p.Size)
	}
	if p.Overlap < 0 || p.Overlap >= p.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", p.Size, p.Overlap)
	}
	return nil
}

func (p Params) splitter() textsplitter.RecursiveCharacter {
	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(p.Size),
		textsplitter.WithChunkOverlap(p.Overlap),
	}
	if len(p.Separators) > 0 {
		opts = append(opts, textsplitter.WithSeparators(p.Separators))
	}
	if p.KeepSeparator {
		opts = append(opts, textsplitter.WithKeepSeparator(true))
	}
	return textsplitter.NewRecursiveCharacter(opts...)
}

// Preset is a named list of parameter sets measured together.
type Preset struct {
	Name   string
	Params []Params
}

var presets = map[string]Preset{
	"basic": {
		Name: "basic",
		Params: []Params{
			{Size: 500, Overlap: 50, KeepSeparator: true},
			{Size: 1500, Overlap: 150, KeepSeparator: true},
		},
	},
	"custom": {
		Name: "custom",
		Params: []Params{
			{
				Size:          800,
				Overlap:       100,
				Separators:    []string{"\n\n\n", "\n\n", "\n", ". ", " ", ""},
				KeepSeparator: true,
			},
		},
	},
}

// LookupPreset returns the preset called name.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q (available: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return p, nil
}

func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadPDFs loads every *.pdf file in dir, one document per page, in file
// name order. A missing directory is logged and yields no pages.
func LoadPDFs(ctx context.Context, dir string, log zerolog.Logger) ([]schema.Document, error) {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("dir", dir).Msg("directory does not exist")
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", dir, err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.pdf"))
	if err != nil {
		return nil, fmt.Errorf("list pdf files in %s: %w", dir, err)
	}
	sort.Strings(files)
	log.Info().Int("files", len(files)).Str("dir", dir).Msg("found pdf files")

	var pages []schema.Document
	for _, path := range files {
		docs, err := loadPDF(ctx, path)
		if err != nil {
			return nil, err
		}
		pages = append(pages, docs...)
		log.Info().Str("file", filepath.Base(path)).Int("pages", len(docs)).Msg("loaded")
	}
	return pages, nil
}

func loadPDF(ctx context.Context, path string) ([]schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	loader := documentloaders.NewPDF(f, info.Size())
	docs, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pdf %s: %w", path, err)
	}
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = map[string]any{}
		}
		docs[i].Metadata["source"] = filepath.Base(path)
	}
	return docs, nil
}

// Stats returns the page count and the total number of characters.
func Stats(docs []schema.Document) (pages, chars int) {
	for _, d := range docs {
		chars += utf8.RuneCountInString(d.PageContent)
	}
	return len(docs), chars
}

// Split splits every page separately; chunks never span pages.
func Split(docs []schema.Document, p Params) ([]schema.Document, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	chunks, err := textsplitter.SplitDocuments(p.splitter(), docs)
	if err != nil {
		return nil, fmt.Errorf("split documents (%s): %w", p, err)
	}
	return chunks, nil
}

func Count(docs []schema.Document, p Params) (int, error) {
	chunks, err := Split(docs, p)
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Result is the chunk count for one parameter set.
type Result struct {
	Params Params
	Chunks int
}

// CountPreset measures every parameter set of preset.
func CountPreset(docs []schema.Document, preset Preset, log zerolog.Logger) ([]Result, error) {
	results := make([]Result, 0, len(preset.Params))
	for _, p := range preset.Params {
		n, err := Count(docs, p)
		if err != nil {
			return nil, err
		}
		log.Info().Str("params", p.String()).Int("chunks", n).Msg("counted chunks")
		results = append(results, Result{Params: p, Chunks: n})
	}
	return results, nil
}

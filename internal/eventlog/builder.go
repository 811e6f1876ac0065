// Package eventlog captures the logs of one or more sources, either into
// durable files in several formats or as a pull-based stream.
package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/gateway-fm/evmsim/internal/metrics"
	"github.com/gateway-fm/evmsim/pkg/types"
)

var (
	ErrDuplicateLabel  = errors.New("duplicate source label")
	ErrMetadataTwice   = errors.New("metadata already set")
	ErrMetadataNotFlat = errors.New("metadata must be a flat object")
	ErrReservedField   = errors.New("metadata uses a reserved field")
	ErrNoSources       = errors.New("no sources added")
	ErrFinalized       = errors.New("event logger already finalized")
	ErrMixedSources    = errors.New("durable and stream sources cannot be mixed")
	ErrUnknownFileType = errors.New("unknown file type")
	ErrRecordsDropped  = errors.New("event log dropped records")
)

const (
	DefaultDirectory = "./data"
	DefaultBasename  = "output"
)

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// WithMetrics counts written records per format.
func WithMetrics(m *metrics.Prometheus) Option {
	return func(b *Builder) { b.metrics = m }
}

type labelled struct {
	label string
	src   Source
}

// Builder collects sources and output settings. Construction errors are
// remembered and reported by Run or Stream, whichever is called first;
// after that the builder is spent.
type Builder struct {
	logger  *slog.Logger
	metrics *metrics.Prometheus

	sources   []labelled
	streams   []Source
	labels    map[string]struct{}
	metadata  map[string]any
	metaSet   bool
	fileTypes []types.FileType
	dir       string
	basename  string

	err       error
	finalized bool
}

// New returns an empty builder writing JSON lines to ./data/output.json.
func New(opts ...Option) *Builder {
	b := &Builder{
		labels:   make(map[string]struct{}),
		dir:      DefaultDirectory,
		basename: DefaultBasename,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Add registers src for a durable run under a label unique to this builder.
func (b *Builder) Add(src Source, label string) *Builder {
	if len(b.streams) > 0 {
		return b.fail(ErrMixedSources)
	}
	if _, dup := b.labels[label]; dup {
		return b.fail(fmt.Errorf("%w: %q", ErrDuplicateLabel, label))
	}
	b.labels[label] = struct{}{}
	b.sources = append(b.sources, labelled{label: label, src: src})
	return b
}

// AddStream registers src for Stream. Records carry the source's own label
// when it has one.
func (b *Builder) AddStream(src Source) *Builder {
	if len(b.sources) > 0 {
		return b.fail(ErrMixedSources)
	}
	b.streams = append(b.streams, src)
	return b
}

// Metadata merges the fields of v into every record. v must encode to a
// JSON object whose values are scalars; it may be set once.
func (b *Builder) Metadata(v any) *Builder {
	if b.metaSet {
		return b.fail(ErrMetadataTwice)
	}
	b.metaSet = true
	meta, err := flatten(v)
	if err != nil {
		return b.fail(err)
	}
	b.metadata = meta
	return b
}

func flatten(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataNotFlat, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var meta map[string]any
	if err := dec.Decode(&meta); err != nil || meta == nil {
		return nil, fmt.Errorf("%w: got %s", ErrMetadataNotFlat, raw)
	}
	for k, val := range meta {
		if types.IsReservedField(k) {
			return nil, fmt.Errorf("%w: %q", ErrReservedField, k)
		}
		switch val.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: field %q is nested", ErrMetadataNotFlat, k)
		}
	}
	return meta, nil
}

// FileType requests an output format. Repeat it for several formats.
func (b *Builder) FileType(ft types.FileType) *Builder {
	if !ft.Valid() {
		return b.fail(fmt.Errorf("%w: %q", ErrUnknownFileType, ft))
	}
	if !slices.Contains(b.fileTypes, ft) {
		b.fileTypes = append(b.fileTypes, ft)
	}
	return b
}

// Directory sets the output directory.
func (b *Builder) Directory(dir string) *Builder {
	b.dir = dir
	return b
}

// Basename sets the file name shared by every format.
func (b *Builder) Basename(name string) *Builder {
	b.basename = name
	return b
}

func (b *Builder) finalize(stream bool) error {
	if b.finalized {
		return ErrFinalized
	}
	b.finalized = true
	if b.err != nil {
		return b.err
	}
	switch {
	case stream && len(b.sources) > 0, !stream && len(b.streams) > 0:
		return ErrMixedSources
	case stream && len(b.streams) == 0, !stream && len(b.sources) == 0:
		return ErrNoSources
	}
	if len(b.fileTypes) == 0 {
		b.fileTypes = []types.FileType{types.FileTypeJSON}
	}
	return nil
}

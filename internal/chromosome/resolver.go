// Package chromosome determines which chromosomes a dataset covers by reading
// its variant index (.bim for bed, .pvar for pgen).
package chromosome

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/pkg/model"
)

// ErrMalformedIndex is returned by Parse for lines with too few fields.
var ErrMalformedIndex = errors.New("malformed variant index")

// DefaultTimeout bounds the variant index download.
const DefaultTimeout = 30 * time.Second

// Resolver reads variant index files from object storage.
type Resolver struct {
	objects storage.ObjectStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a Resolver. A zero timeout selects DefaultTimeout.
func NewResolver(objects storage.ObjectStore, timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		objects: objects,
		timeout: timeout,
		logger:  logger.With("component", "chromosome"),
	}
}

// Resolve returns the sorted distinct chromosome labels of the dataset at
// datasetPath (an s3:// prefix ending in "/"). It never fails: formats
// without a variant index, storage errors, timeouts, and parse errors all
// yield model.DefaultChromosomes.
func (r *Resolver) Resolve(ctx context.Context, datasetPath, filePrefix string, format model.Format) []string {
	ext, ok := format.VariantIndexExtension()
	if !ok {
		r.logger.Info("format has no variant index, using default chromosomes", "format", format)
		return model.DefaultChromosomes()
	}

	chroms, err := r.read(ctx, datasetPath+filePrefix+ext, format)
	if err != nil {
		r.logger.Warn("chromosome detection failed, using default chromosomes",
			"dataset", datasetPath, "file_prefix", filePrefix, "format", format, "error", err)
		return model.DefaultChromosomes()
	}
	if len(chroms) == 0 {
		r.logger.Warn("variant index is empty, using default chromosomes", "dataset", datasetPath, "format", format)
		return model.DefaultChromosomes()
	}
	r.logger.Debug("chromosomes detected", "dataset", datasetPath, "count", len(chroms))
	return chroms
}

func (r *Resolver) read(ctx context.Context, uri string, format model.Format) ([]string, error) {
	loc, err := storage.ParseURI(uri)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rc, err := r.objects.Get(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return Parse(rc, format)
}

// Parse extracts the sorted distinct chromosome labels from a variant index.
// Lines starting with '#' are headers. A bed index (.bim) requires at least
// six fields per line, a pgen index (.pvar) at least one. Labels must be
// plain tokens.
func Parse(r io.Reader, format model.Format) ([]string, error) {
	minFields := 1
	if format == model.FormatBED {
		minFields = 6
	}

	seen := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < minFields {
			return nil, fmt.Errorf("%w: line %d has %d fields, want at least %d", ErrMalformedIndex, lineNo, len(fields), minFields)
		}
		if !model.ValidToken(fields[0]) {
			return nil, fmt.Errorf("%w: line %d has chromosome label %q", ErrMalformedIndex, lineNo, fields[0])
		}
		seen[fields[0]] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan variant index: %w", err)
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

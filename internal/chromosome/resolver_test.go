package chromosome

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/me/gowas/internal/storage"
	"github.com/me/gowas/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const bim = `1	rs1	0	1000	A	G
1	rs2	0	2000	C	T
2	rs3	0	1000	A	G
2	rs4	0	3000	G	T
3	rs5	0	1000	A	C
X	rs6	0	1000	A	G
Y	rs7	0	1000	C	G
MT	rs8	0	1000	A	T
`

func TestParse_BIM(t *testing.T) {
	got, err := Parse(strings.NewReader(bim), model.FormatBED)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := []string{"1", "2", "3", "MT", "X", "Y"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse() = %v, want %v", got, want)
	}
}

func TestParse_LexicographicOrder(t *testing.T) {
	in := "10 a 0 1 A G\n2 b 0 1 A G\n1 c 0 1 A G\n22 d 0 1 A G\n"
	got, err := Parse(strings.NewReader(in), model.FormatBED)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := []string{"1", "10", "2", "22"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse() = %v, want %v", got, want)
	}
}

func TestParse_PVARSkipsHeaders(t *testing.T) {
	in := "##fileformat=PVARv1.0\n#CHROM\tPOS\tID\tREF\tALT\n21\t100\trs1\tA\tG\n22\t200\trs2\tC\tT\n21\t300\trs3\tG\tA\n"
	got, err := Parse(strings.NewReader(in), model.FormatPGEN)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	want := []string{"21", "22"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Parse() = %v, want %v", got, want)
	}
}

func TestParse_MalformedBIM(t *testing.T) {
	_, err := Parse(strings.NewReader("1 rs1 0 1000\n"), model.FormatBED)
	if !errors.Is(err, ErrMalformedIndex) {
		t.Errorf("Parse() error = %v, want ErrMalformedIndex", err)
	}
}

func TestParse_RejectsShellLabels(t *testing.T) {
	_, err := Parse(strings.NewReader("1\n1;reboot\n"), model.FormatPGEN)
	if !errors.Is(err, ErrMalformedIndex) {
		t.Errorf("Parse() error = %v, want ErrMalformedIndex", err)
	}
}

func TestParse_PVARNeedsOneField(t *testing.T) {
	got, err := Parse(strings.NewReader("7\n"), model.FormatPGEN)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !reflect.DeepEqual(got, []string{"7"}) {
		t.Errorf("Parse() = %v, want [7]", got)
	}
}

func TestResolve(t *testing.T) {
	objects := storage.NewMemoryStore()
	objects.PutString("s3://data/genomics/study1/chrAll.bim", bim)
	objects.PutString("s3://data/genomics/study1/chrAll.pvar", "#CHROM POS\n5 1\n6 2\n")
	objects.PutString("s3://data/genomics/bad/chrAll.bim", "1 rs1\n")

	r := NewResolver(objects, time.Second, testLogger())
	defaults := model.DefaultChromosomes()

	tests := []struct {
		name    string
		dataset string
		format  model.Format
		want    []string
	}{
		{"bed", "s3://data/genomics/study1/", model.FormatBED, []string{"1", "2", "3", "MT", "X", "Y"}},
		{"pgen", "s3://data/genomics/study1/", model.FormatPGEN, []string{"5", "6"}},
		{"bgen uses defaults", "s3://data/genomics/study1/", model.FormatBGEN, defaults},
		{"missing index", "s3://data/genomics/none/", model.FormatBED, defaults},
		{"malformed index", "s3://data/genomics/bad/", model.FormatBED, defaults},
		{"invalid path", "not-a-uri/", model.FormatBED, defaults},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(context.Background(), tt.dataset, "chrAll", tt.format)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

// blockingStore never answers until the context is done.
type blockingStore struct{ storage.ObjectStore }

func (blockingStore) Get(ctx context.Context, _ storage.URI) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResolve_TimeoutFallsBack(t *testing.T) {
	r := NewResolver(blockingStore{}, 10*time.Millisecond, testLogger())
	got := r.Resolve(context.Background(), "s3://data/genomics/slow/", "chrAll", model.FormatBED)
	if !reflect.DeepEqual(got, model.DefaultChromosomes()) {
		t.Errorf("Resolve() = %v, want defaults", got)
	}
}

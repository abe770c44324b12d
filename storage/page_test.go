package storage

import (
	"testing"

	"github.com/anselmo-ruiz/featurestore/featureval"
)

func TestPageGetPutAndContains(t *testing.T) {
	p := NewPage(0, 0, 0, ^uint64(0))
	fv := featureval.New()
	if _, err := fv.AddInt(1651000000000, 2592000000, 1); err != nil {
		t.Fatal(err)
	}
	p.Put("101110001", fv)

	got, ok := p.Get("101110001")
	if !ok || got != fv {
		t.Fatalf("expected to get back the stored FeatureValue, got %v (ok=%v)", got, ok)
	}
	if !p.Contains("101110001") {
		t.Fatal("expected page covering [0, max) to contain any key")
	}
}

func TestPageNeedSpaceMatchesEncodedLength(t *testing.T) {
	p := NewPage(2, 7, 100, 200)
	fv1 := featureval.New()
	fv1.AddInt(0, 1000, 5)
	fv2 := featureval.New()
	fv2.AddFloat(0, 1000, 2.5)
	p.Put("a", fv1)
	p.Put("bcd", fv2)

	buf := p.Encode(nil)
	if len(buf) != p.NeedSpace() {
		t.Fatalf("NeedSpace()=%d but Encode produced %d bytes", p.NeedSpace(), len(buf))
	}
}

func TestPageRoundTrip(t *testing.T) {
	p := NewPage(3, 9, 50, 500)
	fv1 := featureval.New()
	fv1.AddInt(0, 1000, 1)
	fv2 := featureval.New()
	fv2.AddFloat(5000, 1000, 3.25)
	p.Put("key-one", fv1)
	p.Put("key-two", fv2)

	buf := p.Encode(nil)
	decoded, n, err := DecodePage(buf)
	if err != nil {
		t.Fatalf("DecodePage: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(buf), n)
	}
	if decoded.SlotID != p.SlotID || decoded.ID != p.ID || decoded.MinPK != p.MinPK || decoded.MaxPK != p.MaxPK {
		t.Fatalf("header mismatch: got %+v", decoded)
	}
	for _, k := range p.keys {
		want := p.data[k]
		got, ok := decoded.Get(k)
		if !ok {
			t.Fatalf("decoded page missing key %q", k)
		}
		if !want.Equal(got) {
			t.Fatalf("key %q: round-trip mismatch: want %+v got %+v", k, want, got)
		}
	}
}

func TestPageDecodeInsufficientData(t *testing.T) {
	p := NewPage(0, 0, 0, 100)
	fv := featureval.New()
	fv.AddInt(0, 1000, 1)
	p.Put("k", fv)
	buf := p.Encode(nil)
	if _, _, err := DecodePage(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected an error decoding a truncated page")
	}
}

func TestPageAfterUpdateEnqueuesOnlyOnFirstTransition(t *testing.T) {
	p := NewPage(0, 0, 0, 100)
	var enqueued []uint64
	enqueue := func(minPK uint64) { enqueued = append(enqueued, minPK) }

	p.AfterUpdate(1, enqueue)
	p.AfterUpdate(2, enqueue)
	p.AfterUpdate(3, enqueue)

	if len(enqueued) != 1 {
		t.Fatalf("expected exactly one enqueue call, got %d", len(enqueued))
	}
	dm := p.DirtyMark()
	if dm.FirstActionID != 1 || dm.LastActionID != 3 {
		t.Fatalf("expected first=1 last=3, got %+v", dm)
	}
}

func TestPageSplitPartitionsHashRangeContiguously(t *testing.T) {
	p := NewPage(0, 0, 0, ^uint64(0))
	// Insert enough distinct keys with sizeable windows to exceed PageSize/2
	// after splitting thresholds, exercising the bucket-by-hash algorithm.
	for i := 0; i < 2000; i++ {
		fv := featureval.New()
		for w := 0; w < 20; w++ {
			fv.AddInt(uint64(w)*1000, 1000, 1)
		}
		p.Put(keyFor(i), fv)
	}

	pages := p.Split()
	if len(pages) < 2 {
		t.Fatalf("expected split to produce at least 2 pages, got %d", len(pages))
	}
	if pages[0].MinPK != 0 {
		t.Fatalf("expected first page to keep original MinPK 0, got %d", pages[0].MinPK)
	}
	if pages[len(pages)-1].MaxPK != ^uint64(0) {
		t.Fatalf("expected last page to extend to original MaxPK, got %d", pages[len(pages)-1].MaxPK)
	}
	for i := 1; i < len(pages); i++ {
		if pages[i-1].MaxPK != pages[i].MinPK {
			t.Fatalf("page %d MaxPK (%d) must equal page %d MinPK (%d)", i-1, pages[i-1].MaxPK, i, pages[i].MinPK)
		}
	}
	total := 0
	for _, np := range pages {
		total += len(np.keys)
	}
	if total != 2000 {
		t.Fatalf("expected all 2000 keys redistributed across split pages, got %d", total)
	}
}

func keyFor(i int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for j := 0; j < 8; j++ {
		b[j] = hex[(i>>(j*4))&0xf]
	}
	return string(b)
}

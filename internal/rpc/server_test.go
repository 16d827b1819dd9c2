package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/credacash/ccnode/internal/dbutil"
	"github.com/credacash/ccnode/internal/matcher"
	"github.com/credacash/ccnode/internal/object"
	"github.com/credacash/ccnode/internal/refbuf"
	"github.com/credacash/ccnode/internal/validstore"
	"github.com/credacash/ccnode/internal/xreq"
)

func newTestServer(t *testing.T) (*Server, *validstore.Store, *xreq.Store) {
	t.Helper()
	dir, err := os.MkdirTemp("", "rpc-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := dbutil.Open(dir, filepath.Base(dir)+".db")
	if err != nil {
		t.Fatalf("dbutil.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vs, err := validstore.New(db)
	if err != nil {
		t.Fatalf("validstore.New: %v", err)
	}
	xs, err := xreq.New(db)
	if err != nil {
		t.Fatalf("xreq.New: %v", err)
	}

	s := New(vs, xs, nil, nil, nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s, vs, xs
}

func TestHandleGetObjectRoundTrips(t *testing.T) {
	s, vs, _ := newTestServer(t)

	var oid object.OID
	oid[0] = 7
	h := refbuf.Alloc(4)
	copy(h.Data(), []byte{1, 2, 3, 4})
	if err := vs.Insert(h, object.TagTx, oid, nil, 1, 4, false); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	url := fmt.Sprintf("http://%s/v1/object/%s", s.Addr().String(), oid.String())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleGetObjectNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	var oid object.OID
	oid[0] = 99
	url := fmt.Sprintf("http://%s/v1/object/%s", s.Addr().String(), oid.String())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandleXmatchReturnsStoredMatches(t *testing.T) {
	dir, err := os.MkdirTemp("", "rpc-xmatch-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	db, err := dbutil.Open(dir, filepath.Base(dir)+".db")
	if err != nil {
		t.Fatalf("dbutil.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vs, err := validstore.New(db)
	if err != nil {
		t.Fatalf("validstore.New: %v", err)
	}
	xs, err := xreq.New(db)
	if err != nil {
		t.Fatalf("xreq.New: %v", err)
	}
	xms, err := matcher.NewXmatchStore(db)
	if err != nil {
		t.Fatalf("matcher.NewXmatchStore: %v", err)
	}

	var buyOid, sellOid object.OID
	buyOid[0], sellOid[0] = 11, 22
	if _, err := xms.Insert(matcher.Xmatch{BaseAmount: 5, Rate: 0.99, BuyReq: 1, SellReq: 2, BuyOid: buyOid, SellOid: sellOid}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	s := New(vs, xs, xms, nil, nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	url := fmt.Sprintf("http://%s/v1/xmatch/%s", s.Addr().String(), buyOid.String())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got []matcher.Xmatch
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].SellReq != 2 {
		t.Fatalf("expected one match naming sell_req=2, got %+v", got)
	}
}

func TestHandleXmatchNotWiredReturns503(t *testing.T) {
	s, _, _ := newTestServer(t)
	url := fmt.Sprintf("http://%s/v1/xmatch/%s", s.Addr().String(), object.OID{}.String())
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHandleSubmitTxInvokesSubmitFunc(t *testing.T) {
	dir, err := os.MkdirTemp("", "rpc-submit-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	db, err := dbutil.Open(dir, filepath.Base(dir)+".db")
	if err != nil {
		t.Fatalf("dbutil.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	vs, err := validstore.New(db)
	if err != nil {
		t.Fatalf("validstore.New: %v", err)
	}
	xs, err := xreq.New(db)
	if err != nil {
		t.Fatalf("xreq.New: %v", err)
	}

	var gotTag object.Tag
	var gotBody []byte
	submit := func(_ context.Context, tag object.Tag, body []byte) (string, error) {
		gotTag = tag
		gotBody = body
		return "OK:deadbeef", nil
	}

	s := New(vs, xs, nil, submit, nil)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	reqBody, err := json.Marshal(submitRequest{Tag: uint32(object.TagTx), Body: []byte{9, 8, 7}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	url := fmt.Sprintf("http://%s/v1/tx", s.Addr().String())
	resp, err := http.Post(url, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Result != "OK:deadbeef" {
		t.Fatalf("unexpected result: %q", out.Result)
	}
	if gotTag != object.TagTx {
		t.Fatalf("expected submit to receive TagTx, got %v", gotTag)
	}
	if !bytes.Equal(gotBody, []byte{9, 8, 7}) {
		t.Fatalf("expected submit to receive the posted body, got %v", gotBody)
	}
}

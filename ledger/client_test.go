package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_SequenceNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/0xabc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key123" {
			t.Errorf("expected api key header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"sequence_number": "41"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key123")
	seq, err := client.SequenceNumber(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("sequence number: %v", err)
	}
	if seq != 41 {
		t.Fatalf("expected 41, got %d", seq)
	}
}

func TestClient_SequenceNumberMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"message":"account not found"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.SequenceNumber(context.Background(), "0xabc"); err == nil {
		t.Fatal("expected error for missing sequence_number")
	}
}

func TestClient_EncodeSubmissionVariants(t *testing.T) {
	responses := []string{
		`"0xdeadbeef"`,
		`{"encoded":"0xdeadbeef"}`,
	}
	for _, body := range responses {
		body := body
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/transactions/encode_submission" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			w.Write([]byte(body))
		}))

		client := NewClient(srv.URL, "")
		payload, err := client.EncodeSubmission(context.Background(), Envelope{Sender: "0xabc"})
		if err != nil {
			t.Fatalf("encode (%s): %v", body, err)
		}
		if payload != "0xdeadbeef" {
			t.Fatalf("encode (%s): got %q", body, payload)
		}
		srv.Close()
	}
}

func TestClient_EncodeSubmissionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"message":"invalid sender"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	if _, err := client.EncodeSubmission(context.Background(), Envelope{}); err == nil {
		t.Fatal("expected node-reported encode error")
	}
}

func TestClient_SubmitHardFailures(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "sequence number too old", http.StatusBadRequest)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "")
		if _, err := client.Submit(context.Background(), SignedEnvelope{}); err == nil {
			t.Fatal("expected error for 400")
		}
	})

	t.Run("missing hash", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "")
		if _, err := client.Submit(context.Background(), SignedEnvelope{}); err == nil {
			t.Fatal("expected error for missing hash")
		}
	})
}

func TestClient_TransactionByHash(t *testing.T) {
	var response func(w http.ResponseWriter)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transactions/by_hash/0xh" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		response(w)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	response = func(w http.ResponseWriter) { w.WriteHeader(http.StatusNotFound) }
	status, err := client.TransactionByHash(context.Background(), "0xh")
	if err != nil || !status.Pending {
		t.Fatalf("404 should be pending, got %+v err=%v", status, err)
	}

	response = func(w http.ResponseWriter) {
		w.Write([]byte(`{"type":"pending_transaction"}`))
	}
	status, err = client.TransactionByHash(context.Background(), "0xh")
	if err != nil || !status.Pending {
		t.Fatalf("no success flag should be pending, got %+v err=%v", status, err)
	}

	response = func(w http.ResponseWriter) {
		w.Write([]byte(`{"type":"user_transaction","success":true,"vm_status":"Executed successfully"}`))
	}
	status, err = client.TransactionByHash(context.Background(), "0xh")
	if err != nil || status.Pending || !status.Success {
		t.Fatalf("expected success, got %+v err=%v", status, err)
	}

	response = func(w http.ResponseWriter) {
		w.Write([]byte(`{"type":"user_transaction","success":false,"vm_status":"OUT_OF_GAS"}`))
	}
	status, err = client.TransactionByHash(context.Background(), "0xh")
	if err != nil || status.Success || status.VMStatus != "OUT_OF_GAS" {
		t.Fatalf("expected failure with vm status, got %+v err=%v", status, err)
	}
}

func TestNewClient_NormalizesURL(t *testing.T) {
	cases := map[string]string{
		"https://node.example.com":           "https://node.example.com/v1",
		"https://node.example.com/":          "https://node.example.com/v1",
		"https://node.example.com/v1":        "https://node.example.com/v1",
		"https://node.example.com?key=oops":  "https://node.example.com/v1",
		"https://node.example.com/v1?k=oops": "https://node.example.com/v1",
	}
	for in, want := range cases {
		if got := NewClient(in, "").baseURL; got != want {
			t.Errorf("NewClient(%q).baseURL = %q, want %q", in, got, want)
		}
	}
}

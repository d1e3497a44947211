// Copyright 2025 Certen Protocol
//
// Unit tests for economy handlers: intent create/confirm over HTTP.

package server

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/certen/coordinator/pkg/economy"
)

func newTestEconomyHandlers(t *testing.T) *economyHandlers {
	t.Helper()
	deps := &Deps{
		Economy: economy.New(time.Hour, 250),
		Logger:  log.New(log.Writer(), "[Test] ", log.LstdFlags),
	}
	return &economyHandlers{deps: deps}
}

func TestHandleIntents_CreateThenConfirm(t *testing.T) {
	h := newTestEconomyHandlers(t)

	createBody, _ := json.Marshal(createIntentRequest{AccountID: "acct-1", AmountCents: 500})
	req := httptest.NewRequest(http.MethodPost, "/economy/payments/intents", bytes.NewReader(createBody))
	rr := httptest.NewRecorder()
	h.handleIntents(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200", rr.Code)
	}
	var in economy.Intent
	if err := json.NewDecoder(rr.Body).Decode(&in); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if in.Status != economy.IntentCreated {
		t.Fatalf("status = %v, want created", in.Status)
	}

	confirmBody, _ := json.Marshal(confirmIntentRequest{TxRef: "tx-ref-1"})
	req = httptest.NewRequest(http.MethodPost, "/economy/payments/intents/"+in.ID+"/confirm", bytes.NewReader(confirmBody))
	rr = httptest.NewRecorder()
	h.handleIntentConfirm(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, want 200", rr.Code)
	}
	var confirmed economy.Intent
	if err := json.NewDecoder(rr.Body).Decode(&confirmed); err != nil {
		t.Fatalf("decode confirm response: %v", err)
	}
	if confirmed.Status != economy.IntentSettled {
		t.Fatalf("status = %v, want settled", confirmed.Status)
	}
}

func TestHandleIntentConfirm_DuplicateTxRefRejected(t *testing.T) {
	h := newTestEconomyHandlers(t)

	a := h.deps.Economy.Create("acct-1", "", 100)
	b := h.deps.Economy.Create("acct-1", "", 100)

	confirm := func(id, txRef string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(confirmIntentRequest{TxRef: txRef})
		req := httptest.NewRequest(http.MethodPost, "/economy/payments/intents/"+id+"/confirm", bytes.NewReader(body))
		rr := httptest.NewRecorder()
		h.handleIntentConfirm(rr, req)
		return rr
	}

	if rr := confirm(a.ID, "shared-ref"); rr.Code != http.StatusOK {
		t.Fatalf("first confirm status = %d, want 200", rr.Code)
	}
	rr := confirm(b.ID, "shared-ref")
	if rr.Code != http.StatusConflict {
		t.Fatalf("second confirm with reused txRef status = %d, want 409", rr.Code)
	}
}

func TestHandleIntentConfirm_UnknownIDReturns404(t *testing.T) {
	h := newTestEconomyHandlers(t)

	body, _ := json.Marshal(confirmIntentRequest{TxRef: "tx-ref"})
	req := httptest.NewRequest(http.MethodPost, "/economy/payments/intents/does-not-exist/confirm", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.handleIntentConfirm(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

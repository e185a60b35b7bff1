package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mversen/custodia/internal/escrow"
	"github.com/mversen/custodia/internal/gateway"
	"github.com/mversen/custodia/internal/history"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Service, *escrow.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	estore := escrow.NewMemoryStore()
	rail := gateway.NewFake()
	hist := history.NewMemoryLog()
	esvc := escrow.NewService(estore, rail, hist, testLogger(), &escrow.Options{
		GatewayBackoff: time.Millisecond,
	})
	dsvc := NewService(NewMemoryStore(), esvc, hist, testLogger())
	handler := NewHandler(dsvc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)

	return r, dsvc, esvc
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func payerHeaders() map[string]string {
	return map[string]string{"X-Actor-Id": "payer_1", "X-Actor-Role": "payer"}
}

func TestHandler_OpenDispute(t *testing.T) {
	router, _, esvc := setupTestRouter(t)
	rec := holdEscrow(t, esvc, "150.00", 0.10)

	w := doJSON(t, router, "POST", "/v1/disputes", map[string]string{
		"escrowId":  rec.ID,
		"claimType": "quality",
	}, payerHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Dispute struct {
			ID            string `json:"id"`
			State         string `json:"state"`
			DeclarantRole string `json:"declarantRole"`
		} `json:"dispute"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Dispute.State != "open" || resp.Dispute.DeclarantRole != "payer" {
		t.Errorf("dispute = %+v, want open declared by payer", resp.Dispute)
	}

	// Second open conflicts.
	w = doJSON(t, router, "POST", "/v1/disputes", map[string]string{
		"escrowId":  rec.ID,
		"claimType": "quality",
	}, payerHeaders())
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_OpenValidation(t *testing.T) {
	router, _, esvc := setupTestRouter(t)
	rec := holdEscrow(t, esvc, "150.00", 0.10)

	w := doJSON(t, router, "POST", "/v1/disputes", map[string]string{
		"escrowId":       rec.ID,
		"claimType":      "quality",
		"disputedAmount": "12.345",
	}, payerHeaders())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ProposalFlow(t *testing.T) {
	router, dsvc, esvc := setupTestRouter(t)
	rec := holdEscrow(t, esvc, "150.00", 0.10)
	c := openCase(t, dsvc, rec.ID)

	w := doJSON(t, router, "POST", "/v1/disputes/"+c.ID+"/proposals", map[string]string{
		"resolutionKind": "full_refund",
	}, payerHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var propResp struct {
		Proposal struct {
			ID            string `json:"id"`
			PayerAccepted bool   `json:"payerAccepted"`
		} `json:"proposal"`
	}
	json.Unmarshal(w.Body.Bytes(), &propResp)
	if !propResp.Proposal.PayerAccepted {
		t.Error("proposer's acceptance should be implicit")
	}

	w = doJSON(t, router, "POST",
		"/v1/disputes/"+c.ID+"/proposals/"+propResp.Proposal.ID+"/respond",
		map[string]any{"accept": true},
		map[string]string{"X-Actor-Id": "payee_1", "X-Actor-Role": "payee"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	settled, _ := esvc.Get(context.Background(), rec.ID)
	if settled.State != escrow.StateRefunded {
		t.Errorf("escrow state = %s, want refunded", settled.State)
	}
}

func TestHandler_RejectNeedsReason(t *testing.T) {
	router, dsvc, esvc := setupTestRouter(t)
	rec := holdEscrow(t, esvc, "150.00", 0.10)
	c := openCase(t, dsvc, rec.ID)

	p, err := dsvc.Propose(context.Background(), c.ID, ProposeRequest{
		ProposerID:   "payee_1",
		ProposerRole: history.RolePayee,
		Kind:         KindRelease,
	})
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}

	w := doJSON(t, router, "POST",
		"/v1/disputes/"+c.ID+"/proposals/"+p.ID+"/respond",
		map[string]any{"accept": false},
		payerHeaders())
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ForceResolutionRequiresMediatorRole(t *testing.T) {
	router, dsvc, esvc := setupTestRouter(t)
	rec := holdEscrow(t, esvc, "150.00", 0.10)
	c := openCase(t, dsvc, rec.ID)
	if _, err := dsvc.AssignMediator(context.Background(), c.ID, "med_1"); err != nil {
		t.Fatalf("AssignMediator failed: %v", err)
	}

	w := doJSON(t, router, "POST", "/v1/disputes/"+c.ID+"/resolve",
		map[string]string{"resolutionKind": "release"},
		payerHeaders())
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for payer, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/v1/disputes/"+c.ID+"/resolve",
		map[string]string{"resolutionKind": "release"},
		map[string]string{"X-Actor-Id": "med_1", "X-Actor-Role": "mediator"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for mediator, got %d: %s", w.Code, w.Body.String())
	}

	settled, _ := esvc.Get(context.Background(), rec.ID)
	if settled.State != escrow.StateReleased {
		t.Errorf("escrow state = %s, want released", settled.State)
	}
}

func TestHandler_GetAndLists(t *testing.T) {
	router, dsvc, esvc := setupTestRouter(t)
	rec := holdEscrow(t, esvc, "150.00", 0.10)
	c := openCase(t, dsvc, rec.ID)

	w := doJSON(t, router, "GET", "/v1/disputes/"+c.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/v1/escrows/"+rec.ID+"/disputes", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var listResp struct {
		Disputes []json.RawMessage `json:"disputes"`
	}
	json.Unmarshal(w.Body.Bytes(), &listResp)
	if len(listResp.Disputes) != 1 {
		t.Errorf("disputes = %d, want 1", len(listResp.Disputes))
	}

	w = doJSON(t, router, "GET", "/v1/disputes/dsp_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}

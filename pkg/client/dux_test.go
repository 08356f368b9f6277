package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Orbitado/flexigom-orders/pkg/retry"
	"github.com/stretchr/testify/require"
)

func newTestDux(t *testing.T, handler http.HandlerFunc) *Dux {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDux(DuxConfig{BaseURL: srv.URL, APIKey: "test-key"}, testLogger())
}

func testInvoiceRequest() *InvoiceRequest {
	return &InvoiceRequest{
		Cliente:    InvoiceCustomer{Nombre: "Cliente Flexigom", Email: "c@example.com"},
		Items:      []InvoiceItem{{Descripcion: "Colchón King", Cantidad: 1, Precio: 242000}},
		Referencia: "ORDER-1700000000000",
		Total:      242000,
		MedioPago:  "credit_card",
	}
}

func TestCreateInvoicePostsToNuevaFactura(t *testing.T) {
	dux := newTestDux(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/factura/nuevaFactura", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":"F-001","numero":"0001-00001234"}`)
	})

	result, err := dux.CreateInvoice(context.Background(), testInvoiceRequest())
	require.NoError(t, err)
	require.True(t, result.SchemaKnown)
	require.Equal(t, "F-001", result.ID)
	require.Equal(t, "0001-00001234", result.Number)
}

func TestCreateInvoiceParsesFieldNameVariants(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		id     string
		number string
	}{
		{"snake case", `{"id_factura":"77","numero_factura":"A-77"}`, "77", "A-77"},
		{"camel case", `{"idFactura":"88","nroFactura":"B-88"}`, "88", "B-88"},
		{"numeric id", `{"factura_id":123,"comprobante":"C-123"}`, "123", "C-123"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dux := newTestDux(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			})

			result, err := dux.CreateInvoice(context.Background(), testInvoiceRequest())
			require.NoError(t, err)
			require.True(t, result.SchemaKnown)
			require.Equal(t, tc.id, result.ID)
			require.Equal(t, tc.number, result.Number)
		})
	}
}

func TestCreateInvoiceTagsUnknownSchema(t *testing.T) {
	const body = `{"resultado":"ok","algo":"inesperado"}`
	dux := newTestDux(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})

	result, err := dux.CreateInvoice(context.Background(), testInvoiceRequest())
	require.NoError(t, err)
	require.False(t, result.SchemaKnown)
	require.Empty(t, result.ID)
	// The verbatim body survives for later schema discovery.
	require.JSONEq(t, body, string(result.Raw))
}

func TestCreateInvoiceSurfacesHTTPStatus(t *testing.T) {
	dux := newTestDux(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "factura invalida", http.StatusUnprocessableEntity)
	})

	_, err := dux.CreateInvoice(context.Background(), testInvoiceRequest())
	require.Error(t, err)
	require.Equal(t, 422, retry.StatusCode(err))
}

package proto

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		typ  TypeID
		body any
	}{
		{"pool request", TypePoolRequest, PoolRequest{Op: PoolOpCreate, Name: "p1", Size: 4096, ExpectedCount: 100}},
		{"pool response", TypePoolResponse, PoolResponse{Status: StatusOK, PoolID: 7}},
		{"io request", TypeIORequest, IORequest{Op: IOOpPut, PoolID: 7, Key: "k1", Value: []byte("v1"), RequestID: 1}},
		{"io response", TypeIOResponse, IOResponse{Status: StatusOK, RequestID: 1, InlineData: []byte("v1")}},
		{"ado request", TypeAdoRequest, AdoRequest{PoolID: 7, RequestID: 2, Key: "k1", RequestBody: []byte("{}")}},
		{"put ado request", TypePutAdoRequest, PutAdoRequest{AdoRequest: AdoRequest{PoolID: 7, Key: "k1"}, Value: []byte("v")}},
		{"ado response", TypeAdoResponse, AdoResponse{Status: StatusOK, RequestID: 2, ResponseBuffers: [][]byte{[]byte("r")}}},
		{"info request", TypeInfoRequest, InfoRequest{Type: InfoGetStats}},
		{"info response", TypeInfoResponse, InfoResponse{Status: StatusOK, Value: []byte("v")}},
		{"stats", TypeStats, StatsSnapshot{PutCount: 3, OpenPoolCount: 2}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			wire, err := Encode(c.typ, c.body)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			gotType, rawBody, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if gotType != c.typ {
				t.Fatalf("decoded type = %v, want %v", gotType, c.typ)
			}

			wantBody, err := json.Marshal(c.body)
			if err != nil {
				t.Fatalf("marshal want body: %v", err)
			}
			if string(rawBody) != string(wantBody) {
				t.Errorf("decoded body = %s, want %s", rawBody, wantBody)
			}
		})
	}
}

func TestDecodeMalformedWire(t *testing.T) {
	if _, _, err := Decode([]byte("not json")); err == nil {
		t.Error("expected error decoding malformed wire bytes")
	}
}

func TestDecodePreservesUnmarshalableBody(t *testing.T) {
	wire, err := Encode(TypePoolRequest, PoolRequest{Op: PoolOpOpen, Name: "p1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	typ, raw, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if typ != TypePoolRequest {
		t.Fatalf("type = %v, want %v", typ, TypePoolRequest)
	}

	var req PoolRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("Unmarshal body: %v", err)
	}
	if req.Op != PoolOpOpen || req.Name != "p1" {
		t.Errorf("req = %+v, want Op=%v Name=p1", req, PoolOpOpen)
	}
}

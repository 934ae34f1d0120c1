package scaleproto

import "testing"

func TestDecodeGrams(t *testing.T) {
	tests := []struct {
		name       string
		raw        int64
		forceGrams bool
		want       int64
	}{
		{"below threshold scales by 100", 27, false, 2700},
		{"at threshold is already grams", 1000, false, 1000},
		{"above threshold is already grams", 37500, false, 37500},
		{"zero scales to zero", 0, false, 0},
		{"force grams bypasses rule below threshold", 27, true, 27},
		{"force grams bypasses rule above threshold", 37500, true, 37500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeGrams(tt.raw, tt.forceGrams); got != tt.want {
				t.Errorf("DecodeGrams(%d, %v) = %d, want %d", tt.raw, tt.forceGrams, got, tt.want)
			}
		})
	}
}

func TestParseRegistrationHeartbeatAndWeighing(t *testing.T) {
	p := NewParser()

	line := "00001,10:30:00,30.01.2026,KIYMA           ,2000001025004,000,MEHMET        ,0000002500,0000000000,0000037500,0,0,0,1,N,TEST COMPANY\n"
	input := "SCALE-01" + "HB" + line

	packets, errs := p.Parse("sock-1", []byte(input), false)
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", errs)
	}
	if len(packets) != 3 {
		t.Fatalf("expected 3 packets, got %d: %+v", len(packets), packets)
	}

	if packets[0].Kind != KindRegistration || packets[0].ScaleNumber != "01" {
		t.Errorf("packet 0 = %+v, want Registration(01)", packets[0])
	}
	if packets[1].Kind != KindHeartbeat {
		t.Errorf("packet 1 = %+v, want Heartbeat", packets[1])
	}
	if packets[2].Kind != KindWeighing {
		t.Fatalf("packet 2 = %+v, want Weighing", packets[2])
	}

	w := packets[2].Weighing
	if w.Barcode != "2000001025004" {
		t.Errorf("Barcode = %q, want 2000001025004", w.Barcode)
	}
	if w.NetWeightGrams != 37500 {
		t.Errorf("NetWeightGrams = %d, want 37500", w.NetWeightGrams)
	}
	if w.TareWeightGrams != 0 {
		t.Errorf("TareWeightGrams = %d, want 0", w.TareWeightGrams)
	}
}

func TestParseSmallUnitDecoding(t *testing.T) {
	p := NewParser()
	line := "00001,06:25:17,30.01.2026,BONFILE         ,000000000004,0000,KAAN                                            ,0000000027,0000000013,0000000014,1,0,1,1,N,K\n"

	packets, errs := p.Parse("sock-2", []byte(line), false)
	if len(errs) != 0 {
		t.Fatalf("unexpected parse errors: %v", errs)
	}
	if len(packets) != 1 || packets[0].Kind != KindWeighing {
		t.Fatalf("expected single Weighing packet, got %+v", packets)
	}

	w := packets[0].Weighing
	if w.NetWeightGrams != 1400 {
		t.Errorf("NetWeightGrams = %d, want 1400", w.NetWeightGrams)
	}
	if w.TareWeightGrams != 1300 {
		t.Errorf("TareWeightGrams = %d, want 1300", w.TareWeightGrams)
	}
}

func TestParseAckRequest(t *testing.T) {
	p := NewParser()
	packets, _ := p.Parse("sock-3", []byte("KONTROLLU AKTAR OK?"), false)
	if len(packets) != 1 || packets[0].Kind != KindAckRequest {
		t.Fatalf("expected AckRequest packet, got %+v", packets)
	}
}

func TestParseSplitAcrossChunks(t *testing.T) {
	p := NewParser()

	packets, _ := p.Parse("sock-4", []byte("SCA"), false)
	if len(packets) != 0 {
		t.Fatalf("expected no packets yet, got %+v", packets)
	}

	packets, _ = p.Parse("sock-4", []byte("LE-07"), false)
	if len(packets) != 1 || packets[0].Kind != KindRegistration || packets[0].ScaleNumber != "07" {
		t.Fatalf("expected Registration(07) after completing chunk, got %+v", packets)
	}
}

func TestParseMalformedLineIsNonFatal(t *testing.T) {
	p := NewParser()
	packets, errs := p.Parse("sock-5", []byte("not,enough,fields\n"), false)
	if len(errs) != 1 {
		t.Fatalf("expected 1 parse error, got %d", len(errs))
	}
	if len(packets) != 1 || packets[0].Kind != KindUnknown {
		t.Fatalf("expected Unknown packet, got %+v", packets)
	}

	// Connection continues: a subsequent valid heartbeat still parses.
	packets, errs = p.Parse("sock-5", []byte("HB"), false)
	if len(errs) != 0 || len(packets) != 1 || packets[0].Kind != KindHeartbeat {
		t.Fatalf("expected Heartbeat after malformed line, got packets=%+v errs=%v", packets, errs)
	}
}

func TestBufferOverflowTruncates(t *testing.T) {
	b := NewBuffer()
	chunk := make([]byte, MaxBufferSize)
	for i := range chunk {
		chunk[i] = 'x'
	}
	if truncated := b.Append(chunk); truncated {
		t.Fatalf("expected no truncation filling to exactly the cap")
	}
	if truncated := b.Append([]byte("y")); !truncated {
		t.Fatalf("expected truncation once over the cap")
	}
	total := MaxBufferSize + 1
	wantLen := total - total/2
	if b.Len() != wantLen {
		t.Errorf("Len() = %d, want tail half %d", b.Len(), wantLen)
	}
}

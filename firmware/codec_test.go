package firmware

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	frame, err := Marshal(GetAddress{
		AddressN:    []uint32{0x8000002c, 0x80000000, 0x80000000, 0, 0},
		CoinName:    "Bitcoin",
		ShowDisplay: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Unmarshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := msg.(*GetAddress)
	if !ok {
		t.Fatalf("decoded %T", msg)
	}
	if got.CoinName != "Bitcoin" || !got.ShowDisplay || len(got.AddressN) != 5 {
		t.Fatalf("decoded %+v", got)
	}
}

func TestUnmarshalRejectsBadFrames(t *testing.T) {
	if _, err := Unmarshal([]byte{0, 1, 2}); err == nil {
		t.Error("short frame accepted")
	}

	// Valid header with a truncated body.
	frame, err := Marshal(Ping{Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(frame[:len(frame)-2]); err == nil {
		t.Error("length mismatch accepted")
	}

	// Unknown tag.
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(0xfffe))
	binary.Write(&buf, binary.BigEndian, uint32(2))
	buf.WriteString("{}")
	if _, err := Unmarshal(buf.Bytes()); err == nil {
		t.Error("unknown tag accepted")
	}
}

func TestMarshalRejectsUnknownKind(t *testing.T) {
	if _, err := Marshal(Raw{Name: "NoSuchMessage"}); err == nil {
		t.Error("unregistered kind accepted")
	}
}

func TestRawBodyPassthrough(t *testing.T) {
	frame, err := Marshal(Raw{Name: "Ping", Body: []byte(`{"message":"raw body"}`)})
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Unmarshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	ping, ok := msg.(*Ping)
	if !ok || ping.Message != "raw body" {
		t.Fatalf("decoded %#v", msg)
	}

	// An empty body is framed as an empty JSON object.
	frame, err = Marshal(Raw{Name: "Initialize"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(frame); err != nil {
		t.Fatal(err)
	}
}

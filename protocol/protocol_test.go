package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		MsgType: MsgTypeData,
		BodyLen: 11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size mismatch: got %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestEncodeLengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Header{MsgType: MsgTypeData, BodyLen: 3}, []byte("hello"))
	if err == nil {
		t.Fatal("expected error for mismatched body length")
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written on error, got %d bytes", buf.Len())
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, byte(MsgTypeData), 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer

	// 手动构造错误 Version 的帧
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3, // 正确的 Magic
		0xFF, // 错误的 Version
		byte(MsgTypeData),
		0, 0, 0, 0, // BodyLen
	})

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("期待返回错误，但 Decode 成功了")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("错误信息应该包含 'unsupported version', 实际: %v", err)
	}
}

func TestDecodeOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, byte(MsgTypeData), 0xff, 0xff, 0xff, 0xff})

	if _, _, err := Decode(&buf); err == nil {
		t.Fatal("expected error for a body larger than MaxBodyLen")
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{MsgType: MsgTypeData, BodyLen: 5}, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	if _, _, err := Decode(truncated); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	// 1MB 的消息体
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		MsgType: MsgTypeData,
		BodyLen: uint32(len(largeBody)),
	}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode 失败: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode 失败: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("大消息体内容不匹配")
	}
}

func TestSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	bodies := [][]byte{[]byte("first"), nil, []byte("third")}
	for _, b := range bodies {
		if err := Encode(&buf, &Header{MsgType: MsgTypeData, BodyLen: uint32(len(b))}, b); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range bodies {
		_, got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %q, want %q", i, got, want)
		}
	}
}

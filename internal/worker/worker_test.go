package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/utils"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// writeFrame writes a length-prefixed protocol message into buf.
func writeFrame(buf *bytes.Buffer, payload []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
}

func TestSegmentFrame(t *testing.T) {
	// 1. Setup Mocks
	// stdinMock simulates the pipe TO Python (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// dataPipeMock simulates the pipe FROM Python (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with a fake response from "Python"
	// Protocol: [Status:0] [NumMasks] per mask: [NDims] [Dims] [Data]

	payload := new(bytes.Buffer)
	payload.WriteByte(0)                               // Status OK
	binary.Write(payload, binary.BigEndian, uint32(1)) // 1 Mask

	// Shape (1, 4, 5): exporters often keep a batch axis, decode must squeeze it
	payload.WriteByte(3)
	binary.Write(payload, binary.BigEndian, []uint32{1, 4, 5})

	data := make([]float32, 20)
	data[0] = 1.0
	data[7] = 0.25 // row 1, col 2
	binary.Write(payload, binary.BigEndian, data)

	writeFrame(dataPipeMock.Buffer, payload.Bytes())

	// 3. Create Worker with mocks injected
	w := &SegmentationWorker{PythonWorker: &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		// Cmd is nil because we aren't testing process management, just the protocol
	}}

	// 4. Execute the function under test
	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	masks, err := w.SegmentFrame(inputFrame)
	if err != nil {
		t.Fatalf("SegmentFrame failed: %v", err)
	}

	// 5. Assertions

	// Verify Go sent the correct data TO Python
	sentData := stdinMock.Bytes()
	// Expect 4 bytes header + 4 bytes data
	if len(sentData) != 4+len(inputFrame) {
		t.Errorf("Expected %d bytes sent, got %d", 4+len(inputFrame), len(sentData))
	}

	// Verify Go read the correct data FROM Python
	if len(masks) != 1 {
		t.Fatalf("Expected 1 mask, got %d", len(masks))
	}
	m := masks[0]
	if m.Width != 5 || m.Height != 4 {
		t.Errorf("Expected 5x4 mask after squeeze, got %dx%d", m.Width, m.Height)
	}
	if math.Abs(float64(m.At(0, 0))-1.0) > 1e-9 {
		t.Errorf("Expected mask[0,0] approx 1.0, got %f", m.At(0, 0))
	}
	if math.Abs(float64(m.At(2, 1))-0.25) > 1e-9 {
		t.Errorf("Expected mask[2,1] approx 0.25, got %f", m.At(2, 1))
	}
}

func TestSegmentFrame_Error(t *testing.T) {
	// 1. Setup Mocks
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// 2. Pre-fill dataPipeMock with an ERROR response from "Python"
	// Protocol: [Status:1] [MsgLen] [Msg]

	payload := new(bytes.Buffer)
	payload.WriteByte(1) // Status ERROR

	errMsg := "Python Exception: CUDA out of memory"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	writeFrame(dataPipeMock.Buffer, payload.Bytes())

	// 3. Create Worker
	w := &SegmentationWorker{PythonWorker: &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}}

	// 4. Execute
	_, err := w.SegmentFrame([]byte("frame"))

	// 5. Assertions
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "segmentation worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "segmentation worker error: "+errMsg, err)
	}
}

func TestSegmentFrame_RejectsUnusableShape(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	payload := new(bytes.Buffer)
	payload.WriteByte(0)
	binary.Write(payload, binary.BigEndian, uint32(1))

	// A 1-D mask cannot be squeezed into height x width
	payload.WriteByte(1)
	binary.Write(payload, binary.BigEndian, []uint32{20})
	binary.Write(payload, binary.BigEndian, make([]float32, 20))

	writeFrame(dataPipeMock.Buffer, payload.Bytes())

	w := &SegmentationWorker{PythonWorker: &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}}

	if _, err := w.SegmentFrame([]byte("frame")); err == nil {
		t.Fatal("Expected shape error, got nil")
	}
}

func TestEstimateFrame(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Protocol: [Status:0] [NumDetections] per detection: [NumKeypoints] [X Y]...
	payload := new(bytes.Buffer)
	payload.WriteByte(0)                               // Status OK
	binary.Write(payload, binary.BigEndian, uint32(2)) // 2 People

	// Person 1: face visible (nose + both eyes), remaining joints undetected
	binary.Write(payload, binary.BigEndian, uint32(17))
	coords := make([]float32, 34)
	coords[0], coords[1] = 320.5, 180.25 // nose
	coords[2], coords[3] = 300.0, 170.0  // left eye
	coords[4], coords[5] = 340.0, 170.0  // right eye
	binary.Write(payload, binary.BigEndian, coords)

	// Person 2: fully occluded, all zeros
	binary.Write(payload, binary.BigEndian, uint32(17))
	binary.Write(payload, binary.BigEndian, make([]float32, 34))

	writeFrame(dataPipeMock.Buffer, payload.Bytes())

	w := &PoseWorker{PythonWorker: &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}}

	dets, err := w.EstimateFrame([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("EstimateFrame failed: %v", err)
	}

	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	if len(dets[0].Keypoints) != 17 {
		t.Fatalf("Expected 17 keypoints, got %d", len(dets[0].Keypoints))
	}

	nose := dets[0].Keypoints[0]
	if math.Abs(nose.X-320.5) > 1e-9 || math.Abs(nose.Y-180.25) > 1e-9 {
		t.Errorf("Expected nose (320.5, 180.25), got (%f, %f)", nose.X, nose.Y)
	}
	if !nose.Detected() {
		t.Error("Expected nose to be detected")
	}
	if dets[1].Keypoints[0].Detected() {
		t.Error("Expected occluded person to have no detected keypoints")
	}
}

func TestHandshakeSendsConfigAndReadsAck(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	// Ack: a bare OK status
	writeFrame(dataPipeMock.Buffer, []byte{0})

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}

	cfg := workerConfig{
		ModelPath:   "yolo11n-seg.pt",
		Device:      "cpu",
		Confidence:  0.5,
		TargetClass: PersonClassID,
		FrameWidth:  640,
		FrameHeight: 360,
	}
	if err := w.handshake(cfg); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}

	// The config must arrive as a length-prefixed JSON document
	sent := stdinMock.Bytes()
	if len(sent) < 4 {
		t.Fatal("handshake sent nothing")
	}
	bodyLen := binary.BigEndian.Uint32(sent[:4])
	if int(bodyLen) != len(sent)-4 {
		t.Fatalf("header says %d bytes, %d followed", bodyLen, len(sent)-4)
	}

	var decoded map[string]any
	if err := json.Unmarshal(sent[4:], &decoded); err != nil {
		t.Fatalf("config is not valid JSON: %v", err)
	}
	if decoded["model_path"] != "yolo11n-seg.pt" {
		t.Errorf("model_path = %v", decoded["model_path"])
	}
	if decoded["target_class"] != float64(PersonClassID) {
		t.Errorf("target_class = %v, want %d", decoded["target_class"], PersonClassID)
	}
}

func TestHandshake_ReportsStartupFailure(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	payload := new(bytes.Buffer)
	payload.WriteByte(1)

	errMsg := "Model file not found: missing.pt"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	writeFrame(dataPipeMock.Buffer, payload.Bytes())

	w := &PythonWorker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
	}

	err := w.handshake(workerConfig{ModelPath: "missing.pt"})
	if err == nil {
		t.Fatal("Expected startup error, got nil")
	}
	if !strings.Contains(err.Error(), errMsg) {
		t.Errorf("Expected error containing '%s', got '%v'", errMsg, err)
	}
}

func TestCommunicateKillsHungWorker(t *testing.T) {
	// A child that holds the data pipe open but never answers. Killing it is
	// the only way the blocked read can return.
	r, wpipe, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()

	cmd := utils.NewSafeCommand(context.Background(), "sleep", "30")
	cmd.ExtraFiles = []*os.File{wpipe}
	if err := cmd.Start(); err != nil {
		wpipe.Close()
		t.Skipf("cannot start sleep: %v", err)
	}
	wpipe.Close() // the child now holds the only write end
	defer cmd.Wait()

	w := &PythonWorker{
		ID:       7,
		Cmd:      cmd,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: r,
	}

	_, err = w.communicate([]byte{1}, 50*time.Millisecond)
	if err == nil {
		t.Fatal("Expected a timeout error, got nil")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Expected timeout error, got '%v'", err)
	}
}

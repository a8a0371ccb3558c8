package serial

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bugst "go.bug.st/serial"
)

// MockHandle implements nativeHandle for testing purposes.
type MockHandle struct {
	mu          sync.Mutex
	ReadData    []byte
	WriteData   []byte
	Modes       []bugst.Mode
	ReadTimeout time.Duration
	ModeErr     error
	Closed      int
}

func (m *MockHandle) SetMode(mode *bugst.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ModeErr != nil {
		return m.ModeErr
	}
	m.Modes = append(m.Modes, *mode)
	return nil
}

func (m *MockHandle) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadTimeout = t
	return nil
}

// Read behaves like go.bug.st/serial: no data within the timeout is (0, nil).
func (m *MockHandle) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.ReadData)
	m.ReadData = m.ReadData[n:]
	return n, nil
}

func (m *MockHandle) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteData = append(m.WriteData, p...)
	return len(p), nil
}

func (m *MockHandle) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed++
	return nil
}

func (m *MockHandle) lastMode() bugst.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Modes[len(m.Modes)-1]
}

func useMockHandle(t *testing.T, handle *MockHandle) *[]string {
	t.Helper()
	var opened []string
	original := openNativePort
	openNativePort = func(name string, mode *bugst.Mode) (nativeHandle, error) {
		opened = append(opened, name)
		if err := handle.SetMode(mode); err != nil {
			return nil, err
		}
		return handle, nil
	}
	t.Cleanup(func() { openNativePort = original })
	return &opened
}

func TestOpenNative_DefaultMode(t *testing.T) {
	handle := &MockHandle{}
	opened := useMockHandle(t, handle)

	dev, err := OpenNative("COM3", 57600, 250*time.Millisecond)
	require.NoError(t, err)
	defer dev.Close()

	require.Equal(t, []string{"COM3"}, *opened)
	require.Equal(t, bugst.Mode{
		BaudRate: 57600,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}, handle.lastMode())
	require.Equal(t, 250*time.Millisecond, handle.ReadTimeout)
}

func TestOpenNative_OpenFailure(t *testing.T) {
	original := openNativePort
	openNativePort = func(string, *bugst.Mode) (nativeHandle, error) {
		return nil, errors.New("port busy")
	}
	t.Cleanup(func() { openNativePort = original })

	dev, err := OpenNative("COM9", 9600, time.Second)
	require.Nil(t, dev)
	require.ErrorContains(t, err, "port busy")
}

func TestNativeDevice_ReadMapsEmptyReadToTimeout(t *testing.T) {
	handle := &MockHandle{ReadData: []byte("ok")}
	useMockHandle(t, handle)
	dev, err := OpenNative("COM3", 9600, time.Millisecond)
	require.NoError(t, err)
	defer dev.Close()

	buf := make([]byte, 8)
	n, err := dev.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf[:n]))

	n, err = dev.Read(buf)
	require.Zero(t, n)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestNativeDevice_Setters(t *testing.T) {
	handle := &MockHandle{}
	useMockHandle(t, handle)
	dev, err := OpenNative("COM3", 9600, time.Second)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.SetCharSize(CharSize7))
	require.NoError(t, dev.SetParity(ParityEven))
	require.NoError(t, dev.SetStopBits(StopBitsTwo))
	require.NoError(t, dev.SetBaudRate(19200))
	require.Equal(t, bugst.Mode{
		BaudRate: 19200,
		DataBits: 7,
		Parity:   bugst.EvenParity,
		StopBits: bugst.TwoStopBits,
	}, handle.lastMode())

	require.NoError(t, dev.SetTimeout(5*time.Second))
	require.Equal(t, 5*time.Second, handle.ReadTimeout)

	require.Error(t, dev.SetCharSize(CharSize(9)))
	require.Error(t, dev.SetBaudRate(0))
	require.Error(t, dev.SetStopBits(StopBits(3)))
	require.Error(t, dev.SetParity(Parity(7)))
}

func TestNativeDevice_SetModeFailureKeepsMode(t *testing.T) {
	handle := &MockHandle{}
	useMockHandle(t, handle)
	dev, err := OpenNative("COM3", 9600, time.Second)
	require.NoError(t, err)
	defer dev.Close()

	handle.ModeErr = errors.New("rejected")
	require.Error(t, dev.SetBaudRate(1200))
	handle.ModeErr = nil

	require.NoError(t, dev.SetParity(ParityOdd))
	require.Equal(t, 9600, handle.lastMode().BaudRate)
}

func TestNativeDevice_FlowControl(t *testing.T) {
	useMockHandle(t, &MockHandle{})
	dev, err := OpenNative("COM3", 9600, time.Second)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.SetFlowControl(FlowControlNone))
	require.ErrorIs(t, dev.SetFlowControl(FlowControlHardware), errors.ErrUnsupported)
	require.ErrorIs(t, dev.SetFlowControl(FlowControlSoftware), errors.ErrUnsupported)
}

func TestNativeDevice_ClonesShareThePort(t *testing.T) {
	handle := &MockHandle{}
	useMockHandle(t, handle)
	dev, err := OpenNative("COM3", 9600, time.Second)
	require.NoError(t, err)

	clone, err := dev.TryClone()
	require.NoError(t, err)

	_, err = clone.Write([]byte("hi"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(handle.WriteData))

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())
	require.Zero(t, handle.Closed)

	_, err = dev.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = dev.TryClone()
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, clone.Close())
	require.Equal(t, 1, handle.Closed)
}

func TestNativeDevice_BehindPort(t *testing.T) {
	handle := &MockHandle{ReadData: []byte("AT\r\nOK\r\n")}
	useMockHandle(t, handle)

	port, err := OpenConfig(Config{
		Device:   "COM3",
		BaudRate: 115200,
		Timeout:  time.Millisecond,
		Opener:   OpenNative,
	})
	require.NoError(t, err)
	defer port.Close()

	require.Equal(t, NoError, port.WriteString("ATZ\r\n"))
	require.Equal(t, "ATZ\r\n", string(handle.WriteData))

	var out lineWriter
	n, kind := port.ReadLine(&out)
	require.Equal(t, NoError, kind)
	require.Equal(t, 4, n)
	require.Equal(t, "AT", string(out))

	require.True(t, port.SetParity(ParityOdd))
	require.Equal(t, bugst.OddParity, handle.lastMode().Parity)
	require.False(t, port.SetFlowControl(FlowControlHardware))

	require.NoError(t, port.Close())
	require.Equal(t, 1, handle.Closed)
}

func TestNativeDevice_ClonesShareSettings(t *testing.T) {
	handle := &MockHandle{}
	useMockHandle(t, handle)
	dev, err := OpenNative("COM3", 9600, time.Second)
	require.NoError(t, err)
	defer dev.Close()
	clone, err := dev.TryClone()
	require.NoError(t, err)
	defer clone.Close()

	// One OS handle backs both, so a clone's settings reach the original too.
	require.NoError(t, clone.SetTimeout(3*time.Second))
	require.Equal(t, 3*time.Second, handle.ReadTimeout)
	require.NoError(t, clone.SetBaudRate(4800))
	require.Equal(t, 4800, handle.lastMode().BaudRate)
}

func TestListPorts(t *testing.T) {
	original := getPortsList
	t.Cleanup(func() { getPortsList = original })

	getPortsList = func() ([]string, error) { return []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, nil }
	ports, err := ListPorts()
	require.NoError(t, err)
	require.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, ports)

	getPortsList = func() ([]string, error) { return nil, errors.New("no sysfs") }
	_, err = ListPorts()
	require.ErrorContains(t, err, "no sysfs")
}

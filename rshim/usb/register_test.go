package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/rshim"
)

func TestRegister_Read(t *testing.T) {
	f := newFixture(t)
	b, _, h := f.attach(t)
	h.control = func(setup hal.SetupPacket, data []byte) (int, error) {
		binary.LittleEndian.PutUint64(data, 0x0123456789abcdef)
		return len(data), nil
	}

	v, err := b.ReadRegister(1, 0x408)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0123456789abcdef), v)

	require.Len(t, h.controls, 1)
	assert.Equal(t, hal.SetupPacket{
		RequestType: 0xc2,
		Request:     0,
		Value:       1,
		Index:       0x408,
		Length:      8,
	}, h.controls[0].setup)
}

func TestRegister_Write(t *testing.T) {
	f := newFixture(t)
	b, _, h := f.attach(t)

	require.NoError(t, b.WriteRegister(0, 0x20, 0x1122334455667788))

	require.Len(t, h.controls, 1)
	c := h.controls[0]
	assert.Equal(t, uint8(0x42), c.setup.RequestType)
	assert.Equal(t, uint16(0), c.setup.Value)
	assert.Equal(t, uint16(0x20), c.setup.Index)
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, c.data)
}

func TestRegister_Results(t *testing.T) {
	errUSB := errors.New("usb: pipe")
	tests := []struct {
		name string
		n    int
		err  error
		want error
	}{
		{"short", 4, nil, pkg.ErrShortTransfer},
		{"empty", 0, nil, pkg.ErrShortTransfer},
		{"long", 9, nil, pkg.ErrLongTransfer},
		{"transport error", 0, errUSB, errUSB},
		{"io error", 0, pkg.ErrIO, pkg.ErrIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			b, _, h := f.attach(t)
			h.control = func(hal.SetupPacket, []byte) (int, error) { return tt.n, tt.err }

			_, err := b.ReadRegister(0, 0)
			require.ErrorIs(t, err, tt.want)
			err = b.WriteRegister(0, 0, 1)
			require.ErrorIs(t, err, tt.want)

			if tt.err != nil {
				assert.ErrorIs(t, err, pkg.ErrIO)
			} else {
				assert.ErrorIs(t, err, pkg.ErrMalformed)
				assert.NotErrorIs(t, err, pkg.ErrIO)
			}
		})
	}
}

func TestRegister_NoRShim(t *testing.T) {
	f := newFixture(t)
	b, _, h := f.attach(t)
	b.ClearCaps(rshim.CapRShim)

	_, err := b.ReadRegister(0, 0)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
	assert.ErrorIs(t, b.WriteRegister(0, 0, 0), pkg.ErrNoDevice)
	assert.Empty(t, h.controls)
}

func TestBootWrite(t *testing.T) {
	f := newFixture(t)
	b, _, h := f.attach(t)

	var gotEP uint8
	h.bulk = func(ep uint8, data []byte) (int, error) {
		gotEP = ep
		return len(data), nil
	}
	n, err := b.Write(rshim.DevTypeBoot, make([]byte, 4096))
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, uint8(epBoot), gotEP)

	h.bulk = func(ep uint8, data []byte) (int, error) { return 1024, pkg.ErrTimeout }
	n, err = b.Write(rshim.DevTypeBoot, make([]byte, 4096))
	require.NoError(t, err)
	assert.Equal(t, 1024, n)

	h.bulk = func(ep uint8, data []byte) (int, error) { return 0, pkg.ErrStall }
	_, err = b.Write(rshim.DevTypeBoot, make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestBootWrite_Gating(t *testing.T) {
	f := newFixture(t)
	b, _, h := f.attach(t)
	pushes := 0
	h.bulk = func(ep uint8, data []byte) (int, error) {
		if ep == epBoot {
			pushes++
		}
		return len(data), nil
	}

	b.SetCaps(rshim.CapDropMode)
	n, err := b.Write(rshim.DevTypeBoot, make([]byte, 64))
	require.NoError(t, err)
	assert.Equal(t, 64, n)

	b.ClearCaps(rshim.CapDropMode | rshim.CapRShim)
	_, err = b.Write(rshim.DevTypeBoot, make([]byte, 64))
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
	assert.Zero(t, pushes)
}

func TestBootWrite_StallIsLogged(t *testing.T) {
	origLogger, origLevel := pkg.DefaultLogger, pkg.GetLogLevel()
	t.Cleanup(func() {
		pkg.SetLogger(origLogger)
		pkg.SetLogLevel(origLevel)
	})
	var buf bytes.Buffer
	pkg.SetLogLevel(slog.LevelWarn)
	pkg.SetLogger(pkg.NewJSONLogger(&buf, nil))

	f := newFixture(t)
	b, _, h := f.attach(t)
	h.bulk = func(ep uint8, data []byte) (int, error) { return 0, pkg.ErrTimeout }

	n, err := b.Write(rshim.DevTypeBoot, make([]byte, 4096))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, buf.String(), `"msg":"boot push timed out"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{ReadRetries: -1}.withDefaults()
	assert.Equal(t, 20*time.Second, o.Timeout)
	assert.Zero(t, o.ReadRetries)
	assert.Zero(t, o.WriteRetries)
	assert.Equal(t, Options{Timeout: 20 * time.Second, ReadRetries: 5, WriteRetries: 5}, DefaultOptions())
}

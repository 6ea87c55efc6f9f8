package hal

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/rshim/pkg"
)

// bf2Config is a configuration laid out like a BlueField-2 rshim: a boot
// interface with one bulk OUT endpoint and a TMFIFO interface with bulk
// IN/OUT and interrupt IN.
var bf2Config = []byte{
	// Configuration
	0x09, 0x02, 0x3c, 0x00, 0x02, 0x01, 0x00, 0x80, 0x32,
	// Interface 0 (boot)
	0x09, 0x04, 0x00, 0x00, 0x01, 0xff, 0x00, 0x00, 0x00,
	0x07, 0x05, 0x01, 0x02, 0x00, 0x02, 0x00,
	// Interface 1 (tmfifo)
	0x09, 0x04, 0x01, 0x00, 0x03, 0xff, 0x01, 0x00, 0x00,
	0x07, 0x05, 0x82, 0x02, 0x00, 0x02, 0x00,
	0x07, 0x05, 0x03, 0x02, 0x00, 0x02, 0x00,
	0x07, 0x05, 0x84, 0x03, 0x08, 0x00, 0x04,
	// Class-specific descriptor, ignored
	0x05, 0x24, 0x00, 0x10, 0x01,
}

func TestParseConfigDescriptor(t *testing.T) {
	cfg, err := ParseConfigDescriptor(bf2Config)
	if err != nil {
		t.Fatalf("ParseConfigDescriptor: %v", err)
	}

	want := &ConfigDescriptor{
		Value:      1,
		Attributes: 0x80,
		MaxPower:   0x32,
		Interfaces: []Interface{
			{AltSettings: []InterfaceDescriptor{{
				Number: 0, Class: 0xff, SubClass: 0,
				Endpoints: []EndpointDescriptor{
					{Address: 0x01, Attributes: 0x02, MaxPacketSize: 512},
				},
			}}},
			{AltSettings: []InterfaceDescriptor{{
				Number: 1, Class: 0xff, SubClass: 1,
				Endpoints: []EndpointDescriptor{
					{Address: 0x82, Attributes: 0x02, MaxPacketSize: 512},
					{Address: 0x03, Attributes: 0x02, MaxPacketSize: 512},
					{Address: 0x84, Attributes: 0x03, MaxPacketSize: 8, Interval: 4},
				},
			}}},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.NumInterfaces() != 2 {
		t.Errorf("NumInterfaces() = %d, want 2", cfg.NumInterfaces())
	}
}

func TestParseConfigDescriptor_AltSettings(t *testing.T) {
	data := []byte{
		0x09, 0x02, 0x22, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
		0x09, 0x04, 0x00, 0x00, 0x01, 0xff, 0x00, 0x00, 0x00,
		0x07, 0x05, 0x01, 0x02, 0x40, 0x00, 0x00,
		0x09, 0x04, 0x00, 0x01, 0x00, 0xff, 0x00, 0x00, 0x00,
	}
	cfg, err := ParseConfigDescriptor(data)
	if err != nil {
		t.Fatalf("ParseConfigDescriptor: %v", err)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("len(Interfaces) = %d, want 1", len(cfg.Interfaces))
	}
	alts := cfg.Interfaces[0].AltSettings
	if len(alts) != 2 {
		t.Fatalf("len(AltSettings) = %d, want 2", len(alts))
	}
	if len(alts[0].Endpoints) != 1 || len(alts[1].Endpoints) != 0 {
		t.Errorf("endpoints attached to wrong alt setting: %+v", alts)
	}
}

func TestParseConfigDescriptor_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, pkg.ErrDescriptorTooShort},
		{"wrong type", []byte{0x09, 0x01, 0x09, 0x00, 0, 0, 0, 0, 0}, pkg.ErrDescriptorTypeMismatch},
		{"total exceeds data", []byte{0x09, 0x02, 0x20, 0x00, 0, 0, 0, 0, 0}, pkg.ErrDescriptorTooShort},
		{"truncated child", []byte{
			0x09, 0x02, 0x0c, 0x00, 1, 1, 0, 0, 0,
			0x09, 0x04, 0x00,
		}, pkg.ErrDescriptorTooShort},
		{"zero length child", []byte{
			0x09, 0x02, 0x0b, 0x00, 1, 1, 0, 0, 0,
			0x00, 0x04,
		}, pkg.ErrDescriptorTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfigDescriptor(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseConfigDescriptor() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40,
		0xdc, 0x22, 0x14, 0x02, 0x00, 0x01, 0x01, 0x02, 0x03, 0x01,
	}
	d, err := ParseDeviceDescriptor(data)
	if err != nil {
		t.Fatalf("ParseDeviceDescriptor: %v", err)
	}
	if d.VendorID != 0x22dc || d.ProductID != 0x0214 {
		t.Errorf("ids = %04x:%04x, want 22dc:0214", d.VendorID, d.ProductID)
	}
	if d.DeviceVersion != 0x0100 {
		t.Errorf("DeviceVersion = 0x%04x, want 0x0100", d.DeviceVersion)
	}

	if _, err := ParseDeviceDescriptor(data[:10]); !errors.Is(err, pkg.ErrDescriptorTooShort) {
		t.Errorf("short descriptor error = %v", err)
	}
	bad := append([]byte(nil), data...)
	bad[1] = DescriptorTypeConfiguration
	if _, err := ParseDeviceDescriptor(bad); !errors.Is(err, pkg.ErrDescriptorTypeMismatch) {
		t.Errorf("mismatched descriptor error = %v", err)
	}
}

func TestEndpointDescriptor_Accessors(t *testing.T) {
	tests := []struct {
		ep        EndpointDescriptor
		number    uint8
		in        bool
		bulk      bool
		interrupt bool
	}{
		{EndpointDescriptor{Address: 0x01, Attributes: 0x02}, 1, false, true, false},
		{EndpointDescriptor{Address: 0x82, Attributes: 0x02}, 2, true, true, false},
		{EndpointDescriptor{Address: 0x84, Attributes: 0x03}, 4, true, false, true},
		{EndpointDescriptor{Address: 0x8F, Attributes: 0x01}, 15, true, false, false},
	}

	for _, tt := range tests {
		if got := tt.ep.Number(); got != tt.number {
			t.Errorf("Number(0x%02x) = %d, want %d", tt.ep.Address, got, tt.number)
		}
		if got := tt.ep.IsIn(); got != tt.in {
			t.Errorf("IsIn(0x%02x) = %v, want %v", tt.ep.Address, got, tt.in)
		}
		if got := tt.ep.IsBulk(); got != tt.bulk {
			t.Errorf("IsBulk(0x%02x) = %v, want %v", tt.ep.Address, got, tt.bulk)
		}
		if got := tt.ep.IsInterrupt(); got != tt.interrupt {
			t.Errorf("IsInterrupt(0x%02x) = %v, want %v", tt.ep.Address, got, tt.interrupt)
		}
	}
}

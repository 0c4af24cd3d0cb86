package function

import "testing"

func TestHIDKindParameters(t *testing.T) {
	cases := []struct {
		kind         HIDKind
		reportLength uint8
		endpoints    uint8
	}{
		{Keyboard, 8, 1},
		{MouseRelative, 4, 1},
		{MouseAbsolute, 6, 1},
		{ConsumerControl, 2, 1},
	}
	for _, c := range cases {
		if got := c.kind.reportLength(); got != c.reportLength {
			t.Errorf("%v.reportLength() = %d; want %d", c.kind, got, c.reportLength)
		}
		if got := c.kind.endpoints(); got != c.endpoints {
			t.Errorf("%v.endpoints() = %d; want %d", c.kind, got, c.endpoints)
		}
		if len(c.kind.reportDesc()) == 0 {
			t.Errorf("%v.reportDesc() is empty", c.kind)
		}
	}
}

func TestHIDFunctionNaming(t *testing.T) {
	kb := NewHIDFunction(Keyboard, 0)
	if got, want := kb.Name(), "hid.usb0"; got != want {
		t.Errorf("Name() = %q; want %q", got, want)
	}
	if got, want := kb.DevicePath(), "/dev/hidg0"; got != want {
		t.Errorf("DevicePath() = %q; want %q", got, want)
	}

	mouse := NewHIDFunction(MouseRelative, 1)
	if got, want := mouse.Name(), "hid.usb1"; got != want {
		t.Errorf("Name() = %q; want %q", got, want)
	}
}

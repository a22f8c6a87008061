package arch

import "testing"

// TestParseArch verifies command-line architecture spellings.
func TestParseArch(t *testing.T) {
	cases := []struct {
		in      string
		want    Arch
		wantErr bool
	}{
		{"auto", ArchAuto, false},
		{"", ArchAuto, false},
		{"x86_64", ArchX86_64, false},
		{"amd64", ArchX86_64, false},
		{"AARCH64", ArchAArch64, false},
		{"riscv64", ArchRISCV64, false},
		{"m68k", ArchAuto, true},
	}
	for _, c := range cases {
		got, err := ParseArch(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseArch(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseArch(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseArch(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

// TestBackendInterruptGate verifies the interrupt gate on all three backends.
func TestBackendInterruptGate(t *testing.T) {
	for _, a := range []Arch{ArchX86_64, ArchAArch64, ArchRISCV64} {
		t.Run(a.String(), func(t *testing.T) {
			cap, err := New(a)
			if err != nil {
				t.Fatal(err)
			}
			cap.EnableInterrupts()
			if !cap.InterruptsEnabled() {
				t.Error("interrupts should be enabled after EnableInterrupts")
			}
			cap.DisableInterrupts()
			if cap.InterruptsEnabled() {
				t.Error("interrupts should be disabled after DisableInterrupts")
			}
		})
	}
}

// TestBackendPageTableRoot verifies root get/set round-trips.
func TestBackendPageTableRoot(t *testing.T) {
	for _, a := range []Arch{ArchX86_64, ArchAArch64, ArchRISCV64} {
		cap, err := New(a)
		if err != nil {
			t.Fatal(err)
		}
		cap.SetPageTableRoot(0x1000)
		if got := cap.PageTableRoot(); got != 0x1000 {
			t.Errorf("%s: PageTableRoot = %#x, want 0x1000", a, got)
		}
	}
}

// TestInstallTrapVectors verifies alignment and null checks per backend.
func TestInstallTrapVectors(t *testing.T) {
	x, _ := New(ArchX86_64)
	if err := x.InstallTrapVectors(0); err == nil {
		t.Error("x86_64: null IDT base should be rejected")
	}
	if err := x.InstallTrapVectors(0x8000); err != nil {
		t.Errorf("x86_64: InstallTrapVectors: %v", err)
	}

	a, _ := New(ArchAArch64)
	if err := a.InstallTrapVectors(0x8004); err == nil {
		t.Error("aarch64: unaligned vector base should be rejected")
	}
	if err := a.InstallTrapVectors(0x8800); err != nil {
		t.Errorf("aarch64: InstallTrapVectors: %v", err)
	}

	r, _ := New(ArchRISCV64)
	if err := r.InstallTrapVectors(0x8001); err == nil {
		t.Error("riscv64: stvec with mode bits should be rejected")
	}
	if err := r.InstallTrapVectors(0x8000); err != nil {
		t.Errorf("riscv64: InstallTrapVectors: %v", err)
	}
	for _, c := range []Capability{x, a, r} {
		if c.TrapVectorBase() == 0 {
			t.Errorf("%s: TrapVectorBase not recorded", c.Arch())
		}
	}
}

// TestDecodeTrapCauseX86 exercises the x86_64 vector translation table.
func TestDecodeTrapCauseX86(t *testing.T) {
	b, _ := New(ArchX86_64)
	cases := []struct {
		vector uint32
		want   TrapKind
	}{
		{14, TrapPageFault},
		{13, TrapGeneralProtection},
		{6, TrapIllegalInstruction},
		{3, TrapBreakpoint},
		{17, TrapAlignment},
		{0x80, TrapSystemCall},
		{32, TrapTimer},
		{33, TrapExternalIRQ},
		{47, TrapExternalIRQ},
		{2, TrapUnknown},
	}
	for _, c := range cases {
		if got := b.DecodeTrapCause(0, c.vector); got != c.want {
			t.Errorf("vector %d: got %s, want %s", c.vector, got, c.want)
		}
	}
}

// TestDecodeTrapCauseAArch64 exercises ESR EC classification and GIC INTIDs.
func TestDecodeTrapCauseAArch64(t *testing.T) {
	b, _ := New(ArchAArch64)
	esr := func(ec uint64) uint64 { return ec << 26 }
	cases := []struct {
		cause  uint64
		vector uint32
		want   TrapKind
	}{
		{esr(0x15), 0, TrapSystemCall},
		{esr(0x24), 0, TrapPageFault},
		{esr(0x21), 0, TrapPageFault},
		{esr(0x0E), 0, TrapIllegalInstruction},
		{esr(0x22), 0, TrapAlignment},
		{esr(0x3C), 0, TrapBreakpoint},
		{esr(0x01), 0, TrapUnknown},
		{30, aarch64IRQVector, TrapTimer},
		{27, aarch64IRQVector, TrapTimer},
		{54, aarch64IRQVector, TrapExternalIRQ},
	}
	for _, c := range cases {
		if got := b.DecodeTrapCause(c.cause, c.vector); got != c.want {
			t.Errorf("cause %#x vector %d: got %s, want %s", c.cause, c.vector, got, c.want)
		}
	}
}

// TestDecodeTrapCauseRISCV exercises scause classification.
func TestDecodeTrapCauseRISCV(t *testing.T) {
	b, _ := New(ArchRISCV64)
	intr := func(code uint64) uint64 { return riscvCauseInterruptBit | code }
	cases := []struct {
		cause uint64
		want  TrapKind
	}{
		{12, TrapPageFault},
		{13, TrapPageFault},
		{15, TrapPageFault},
		{5, TrapGeneralProtection},
		{2, TrapIllegalInstruction},
		{3, TrapBreakpoint},
		{4, TrapAlignment},
		{8, TrapSystemCall},
		{9, TrapSystemCall},
		{intr(5), TrapTimer},
		{intr(9), TrapExternalIRQ},
		{intr(1), TrapUnknown},
	}
	for _, c := range cases {
		if got := b.DecodeTrapCause(c.cause, 0); got != c.want {
			t.Errorf("cause %#x: got %s, want %s", c.cause, got, c.want)
		}
	}
}

// TestReadTimestampMonotonic checks the timestamp source never goes backward.
func TestReadTimestampMonotonic(t *testing.T) {
	b, _ := New(ArchAuto)
	prev := b.ReadTimestamp()
	for i := 0; i < 100; i++ {
		now := b.ReadTimestamp()
		if now < prev {
			t.Fatalf("timestamp went backward: %d -> %d", prev, now)
		}
		prev = now
	}
}

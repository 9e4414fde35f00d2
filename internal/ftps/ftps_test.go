package ftps

import "testing"

func TestCandidatePathsBrtcEmmc(t *testing.T) {
	got := CandidatePaths("brtc://emmc/x.gcode.3mf")
	want := []string{"/cache/x.gcode.3mf"}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("CandidatePaths = %v, want %v", got, want)
	}
}

func TestCandidatePathsSdcard(t *testing.T) {
	got := CandidatePaths("file:///sdcard/model.gcode.3mf")
	if len(got) != 1 || got[0] != "model.gcode.3mf" {
		t.Fatalf("CandidatePaths = %v", got)
	}
}

func TestCandidatePathsMntSdcardUnescapesPercent(t *testing.T) {
	got := CandidatePaths("file:///mnt/sdcard/a%25b.3mf")
	if len(got) != 1 || got[0] != "a%b.3mf" {
		t.Fatalf("CandidatePaths = %v", got)
	}
}

func TestCandidatePathsFtpPrefix(t *testing.T) {
	got := CandidatePaths("ftp:/remote/name.3mf")
	if len(got) != 1 || got[0] != "remote/name.3mf" {
		t.Fatalf("CandidatePaths = %v", got)
	}
}

func TestCandidatePathsUsb0(t *testing.T) {
	got := CandidatePaths("file:///media/usb0/x.3mf")
	if len(got) != 1 || got[0] != "x.3mf" {
		t.Fatalf("CandidatePaths = %v", got)
	}
}

func TestCandidatePathsFallbackTriesFourVariants(t *testing.T) {
	got := CandidatePaths("https://cloud.example.com/jobs/PrintOne")
	want := []string{
		"/PrintOne.gcode.3mf",
		"/PrintOne.3mf",
		"/cache/PrintOne.gcode.3mf",
		"/cache/PrintOne.3mf",
	}
	if len(got) != len(want) {
		t.Fatalf("CandidatePaths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("CandidatePaths[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

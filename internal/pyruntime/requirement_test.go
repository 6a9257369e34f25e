package pyruntime

import "testing"

func TestCanonicalPackageName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"numpy", "numpy"},
		{"Django", "django"},
		{"PyYAML", "pyyaml"},
		{"foo__bar..baz", "foo-bar-baz"},
		{"ruamel.yaml", "ruamel-yaml"},
		{"  requests  ", "requests"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CanonicalPackageName(tc.in); got != tc.want {
			t.Errorf("CanonicalPackageName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalPackageNameIsIdempotent(t *testing.T) {
	for _, name := range []string{"Foo_Bar.baz", "A--B__C", "scikit_learn"} {
		once := CanonicalPackageName(name)
		if twice := CanonicalPackageName(once); twice != once {
			t.Errorf("fold of %q not idempotent: %q -> %q", name, once, twice)
		}
	}
}

func TestExtractPackageName(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"numpy>=1.20", "numpy", true},
		{"requests[socks]==2.31.0", "requests", true},
		{"pandas", "pandas", true},
		{"  scikit-learn <2  ", "scikit-learn", true},
		{"", "", false},
		{"==1.0", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractPackageName(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ExtractPackageName(%q) = (%q, %v), want (%q, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestValidateRequirementsAccepts(t *testing.T) {
	canonical, err := ValidateRequirements([]string{
		"numpy",
		"pandas==2.2.0",
		"requests[socks]>=2.31,<3",
		"scikit_learn~=1.4",
		"Pillow !=10.0.0",
	})
	if err != nil {
		t.Fatalf("ValidateRequirements: %v", err)
	}
	want := []string{"numpy", "pandas", "requests", "scikit-learn", "pillow"}
	if len(canonical) != len(want) {
		t.Fatalf("unexpected result: %v", canonical)
	}
	for i := range want {
		if canonical[i] != want[i] {
			t.Fatalf("canonical[%d] = %q, want %q", i, canonical[i], want[i])
		}
	}
}

func TestValidateRequirementsRejects(t *testing.T) {
	cases := []string{
		"git+https://github.com/org/repo.git",
		"https://example.com/pkg.whl",
		"./local-dir",
		"..\\win\\path",
		"numpy; rm -rf /",
		"numpy && echo pwned",
		"numpy`id`",
		"numpy\nscipy",
		"pkg @ file:///tmp/x",
		"-r requirements.txt",
		"",
		"   ",
	}
	for _, req := range cases {
		_, err := ValidateRequirements([]string{req})
		re, ok := AsRuntimeError(err)
		if !ok {
			t.Errorf("ValidateRequirements(%q): expected runtime error, got %v", req, err)
			continue
		}
		if re.Code != CodeUnsafeRequirement || re.StatusCode != 400 {
			t.Errorf("ValidateRequirements(%q): unexpected error %+v", req, re)
		}
	}
}

func TestValidateRequirementsFailsWholeBatch(t *testing.T) {
	_, err := ValidateRequirements([]string{"numpy", "git+ssh://host/repo", "pandas"})
	if _, ok := AsRuntimeError(err); !ok {
		t.Fatalf("expected whole-batch rejection, got %v", err)
	}

	if _, err := ValidateRequirements(nil); err == nil {
		t.Fatal("empty batch must be rejected")
	}
}

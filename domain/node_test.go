package domain

import "testing"

func TestValidateNodeName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"", false},
		{"a", false},
		{"ab", true},
		{"node-1_east 2", true},
		{"bad!name", false},
		{string(make([]byte, 51)), false},
	}
	for _, tt := range tests {
		if got := ValidateNodeName(tt.name); got != tt.want {
			t.Errorf("ValidateNodeName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsValidIP(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"10.0.0.1", true},
		{"255.255.255.255", true},
		{"not-an-ip", false},
		{"", false},
		{"::1", false}, // spec requires IPv4
		{"999.1.1.1", false},
	}
	for _, tt := range tests {
		if got := IsValidIP(tt.addr); got != tt.want {
			t.Errorf("IsValidIP(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestIsValidPort(t *testing.T) {
	tests := []struct {
		port int
		want bool
	}{
		{0, false},
		{1, true},
		{65535, true},
		{65536, false},
		{-1, false},
	}
	for _, tt := range tests {
		if got := IsValidPort(tt.port); got != tt.want {
			t.Errorf("IsValidPort(%d) = %v, want %v", tt.port, got, tt.want)
		}
	}
}

func TestNodeCreate_Validate(t *testing.T) {
	valid := DefaultNodeCreate("n1", "10.0.0.1")
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}

	bad := valid
	bad.UsageCoefficient = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for non-positive usage coefficient")
	}

	bad = valid
	bad.Address = "not-an-ip"
	if err := bad.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for invalid address")
	}
}

func TestNodeUpdate_Validate_OnlyChecksPresentFields(t *testing.T) {
	var u NodeUpdate
	if err := u.Validate(); err != nil {
		t.Fatalf("empty update Validate() error = %v, want nil", err)
	}

	badPort := -1
	u = NodeUpdate{Port: &badPort}
	if err := u.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for invalid port")
	}
}

func TestNodeUpdate_MarshalJSON_OmitsUnsetFields(t *testing.T) {
	name := "renamed"
	u := NodeUpdate{Name: &name}
	b, err := u.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}
	got := string(b)
	if got != `{"name":"renamed"}` {
		t.Fatalf("MarshalJSON() = %s, want only the name field", got)
	}
}

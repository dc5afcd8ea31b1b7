package wire

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

type Browser string

const (
	BrowserChrome  Browser = "Chrome"
	BrowserFirefox Browser = "Firefox"
	BrowserSafari  Browser = "Safari"
	BrowserEdge    Browser = "Edge"
)

// Profile is the client identity presented on connect.
type Profile struct {
	OS      string
	Browser Browser
	Version [3]uint32
}

// DisplayName is what the primary device shows under linked devices.
func (p Profile) DisplayName() string {
	return fmt.Sprintf("%s (%s)", p.Browser, p.OS)
}

var profiles = []Profile{
	{OS: "Windows", Browser: BrowserChrome, Version: [3]uint32{10, 0, 19045}},
	{OS: "Windows", Browser: BrowserEdge, Version: [3]uint32{10, 0, 22631}},
	{OS: "Windows", Browser: BrowserFirefox, Version: [3]uint32{10, 0, 22621}},
	{OS: "Mac OS", Browser: BrowserSafari, Version: [3]uint32{14, 4, 1}},
	{OS: "Mac OS", Browser: BrowserChrome, Version: [3]uint32{13, 6, 4}},
	{OS: "Ubuntu", Browser: BrowserChrome, Version: [3]uint32{22, 4, 0}},
	{OS: "Ubuntu", Browser: BrowserFirefox, Version: [3]uint32{24, 4, 0}},
	{OS: "Linux", Browser: BrowserChrome, Version: [3]uint32{6, 5, 0}},
}

func Profiles() []Profile { return append([]Profile(nil), profiles...) }

// ProfilePicker hands out random profiles. Safe for concurrent use.
type ProfilePicker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewProfilePicker seeds a picker; equal seeds give equal sequences.
func NewProfilePicker(seed uint64) *ProfilePicker {
	return &ProfilePicker{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (p *ProfilePicker) Pick() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return profiles[p.rng.IntN(len(profiles))]
}

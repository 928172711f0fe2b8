package reputation

import (
	"context"
	"net/netip"
)

// Known datacenter/cloud ranges. The ipset Datacenter group is far more
// complete; this list covers the large providers when no ipset is present.
var datacenterCIDRs = []string{
	// AWS
	"3.0.0.0/8", "13.0.0.0/8", "18.0.0.0/8", "34.0.0.0/8", "35.0.0.0/8",
	"52.0.0.0/8", "54.0.0.0/8", "99.0.0.0/8",
	// Google Cloud
	"34.64.0.0/10", "35.184.0.0/13", "104.154.0.0/15", "104.196.0.0/14",
	// Azure
	"13.64.0.0/11", "20.0.0.0/8", "40.64.0.0/10", "52.224.0.0/11",
	// DigitalOcean
	"64.225.0.0/16", "68.183.0.0/16", "104.131.0.0/16", "134.209.0.0/16",
	"138.68.0.0/16", "139.59.0.0/16", "142.93.0.0/16", "157.245.0.0/16",
	"159.65.0.0/16", "159.89.0.0/16", "161.35.0.0/16", "164.90.0.0/16",
	"165.22.0.0/16", "165.227.0.0/16", "167.71.0.0/16", "167.99.0.0/16",
	"174.138.0.0/16", "178.128.0.0/16", "178.62.0.0/16", "188.166.0.0/16",
	"192.241.0.0/16", "198.199.0.0/16", "206.189.0.0/16", "207.154.0.0/16",
	// Linode
	"45.33.0.0/16", "45.56.0.0/16", "45.79.0.0/16", "50.116.0.0/16",
	"66.175.0.0/16", "69.164.0.0/16", "72.14.176.0/20", "74.207.224.0/19",
	"96.126.96.0/19", "97.107.128.0/17", "139.162.0.0/16", "172.104.0.0/15",
	"173.230.128.0/17", "173.255.192.0/18", "178.79.128.0/17", "192.155.80.0/20",
	// Vultr
	"45.32.0.0/16", "45.63.0.0/16", "45.76.0.0/16", "45.77.0.0/16",
	"66.42.0.0/16", "95.179.128.0/17", "104.156.224.0/19", "104.207.128.0/17",
	"108.61.0.0/16", "136.244.64.0/18", "140.82.0.0/16", "144.202.0.0/16",
	"149.28.0.0/16", "155.138.128.0/17", "207.148.0.0/17", "208.167.224.0/19",
	"209.250.224.0/19", "216.128.128.0/17",
	// Hetzner
	"5.9.0.0/16", "23.88.0.0/14", "46.4.0.0/14", "78.46.0.0/15",
	"88.99.0.0/16", "95.216.0.0/14", "116.202.0.0/15", "116.203.0.0/16",
	"135.181.0.0/16", "136.243.0.0/16", "138.201.0.0/16", "142.132.128.0/17",
	"144.76.0.0/16", "148.251.0.0/16", "157.90.0.0/16", "159.69.0.0/16",
	"162.55.0.0/16", "167.233.0.0/16", "168.119.0.0/16", "176.9.0.0/16",
	"178.63.0.0/16", "185.12.64.0/22", "188.40.0.0/16", "195.201.0.0/16",
	"213.133.96.0/19", "213.239.192.0/18",
	// OVH
	"51.38.0.0/16", "51.68.0.0/16", "51.75.0.0/16", "51.77.0.0/16",
	"51.79.0.0/16", "51.81.0.0/16", "51.83.0.0/16", "51.89.0.0/16",
	"51.91.0.0/16", "51.161.0.0/16", "54.36.0.0/16", "54.37.0.0/16",
	"54.38.0.0/16", "91.134.0.0/16", "92.222.0.0/16", "135.125.0.0/16",
	"137.74.0.0/16", "139.99.0.0/16", "141.94.0.0/16", "142.44.128.0/17",
	"144.217.0.0/16", "145.239.0.0/16", "147.135.0.0/16", "149.56.0.0/16",
	"151.80.0.0/16", "158.69.0.0/16", "164.132.0.0/16", "167.114.0.0/16",
	"176.31.0.0/16", "178.32.0.0/15", "188.165.0.0/16", "192.95.0.0/18",
	"192.99.0.0/16", "193.70.0.0/16", "198.27.64.0/18", "198.50.128.0/17",
	"198.100.144.0/20", "198.245.48.0/20", "213.32.0.0/17", "213.186.32.0/19",
	"213.251.128.0/18",
}

// Datacenter labels addresses in a fixed list of hosting ranges.
type Datacenter struct {
	prefixes []netip.Prefix
}

// NewDatacenter builds the source from the built-in ranges plus extra.
// Unparseable extra entries are skipped.
func NewDatacenter(extra ...string) *Datacenter {
	d := &Datacenter{}
	for _, cidr := range append(append([]string{}, datacenterCIDRs...), extra...) {
		if p, err := netip.ParsePrefix(cidr); err == nil {
			d.prefixes = append(d.prefixes, p.Masked())
		}
	}
	return d
}

// Contains reports whether addr is in a datacenter range.
func (d *Datacenter) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range d.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (d *Datacenter) Name() string { return "datacenter" }

func (d *Datacenter) Local() bool { return true }

func (d *Datacenter) Lookup(_ context.Context, addr netip.Addr) ([]Label, error) {
	if d.Contains(addr) {
		return []Label{LabelDatacenter}, nil
	}
	return nil, nil
}

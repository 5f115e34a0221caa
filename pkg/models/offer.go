package models

import "time"

// MachineType describes the billing model of an advertised rental slot.
type MachineType string

const (
	MachineOnDemand     MachineType = "on_demand"
	MachineInterruptible MachineType = "interruptible"
	MachineBid          MachineType = "bid"
)

// Offer is an advertised GPU rental slot on a specific physical host.
type Offer struct {
	OfferID       string      `json:"offer_id"`
	MachineID     string      `json:"machine_id"`
	GPUName       string      `json:"gpu_name"`
	NumGPUs       int         `json:"num_gpus"`
	GPURAMMB      int         `json:"gpu_ram_mb"`
	PricePerHour  float64     `json:"price_per_hour"`
	Reliability   float64     `json:"reliability"` // 0..1
	Geolocation   string      `json:"geolocation"`
	Verified      bool        `json:"verified"`
	MachineType   MachineType `json:"machine_type"`
	MinBid        *float64    `json:"min_bid,omitempty"`
}

// OfferFilter narrows a search_offers query (§6 InstanceProvider.search_offers).
type OfferFilter struct {
	MinGPURAMMB      int     `json:"min_gpu_ram_mb,omitempty"`
	MaxPricePerHour  float64 `json:"max_price_per_hour,omitempty"`
	MinReliability   float64 `json:"min_reliability,omitempty"`
	GeolocationMatch string  `json:"geolocation_match,omitempty"` // substring match, per §4.7
	GPUNames         []string `json:"gpu_names,omitempty"`        // preferred-GPU list, ordered preference
	ExcludeMachines  []string `json:"exclude_machines,omitempty"` // blacklisted hosts filtered out
}

// Matches reports whether the offer satisfies the filter's numeric
// constraints (GPU RAM, price, reliability) and is not on a machine listed in
// ExcludeMachines. GeolocationMatch and GPUNames are not checked here.
func (f OfferFilter) Matches(o Offer) bool {
	if f.MinGPURAMMB > 0 && o.GPURAMMB < f.MinGPURAMMB {
		return false
	}
	if f.MaxPricePerHour > 0 && o.PricePerHour > f.MaxPricePerHour {
		return false
	}
	if f.MinReliability > 0 && o.Reliability < f.MinReliability {
		return false
	}
	for _, excluded := range f.ExcludeMachines {
		if o.MachineID == excluded {
			return false
		}
	}
	return true
}

// FetchedOffer pairs an Offer with when it was observed, for staleness
// reasoning in the Race Provisioner (offers go stale within seconds).
type FetchedOffer struct {
	Offer     Offer
	FetchedAt time.Time
}

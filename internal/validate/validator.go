// Package validate turns a scanned barcode into an admission decision by
// composing the ticket codec, the gate's local store and the date policy.
package validate

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venueops/gateguard/internal/store"
	"github.com/venueops/gateguard/internal/telemetry"
	"github.com/venueops/gateguard/internal/ticket"
)

// Scan-history result labels.
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// User-visible decision reasons.
const (
	ReasonValidEntry  = "Valid Entry"
	ReasonNotFound    = "Invalid QR - Ticket not found"
	ReasonInvalidQR   = "Invalid QR - Invalid verification code"
	ReasonInvalidDate = "Invalid date - Ticket not valid for today"
	ReasonAllUsed     = "QR already scanned - All entries used"
	reasonMismatchPfx = "Attraction mismatch - Ticket not valid for "
)

// Decision is the outcome of one scan at one gate.
type Decision struct {
	Valid       bool
	Reason      string
	ReferenceNo string
	Pax         int
	UsedAfter   int
}

// Validator decides admissions for a single gate.
type Validator struct {
	codec   *ticket.Codec
	store   *store.Store
	gate    string
	metrics *telemetry.Metrics
	// now is a hook for date-policy tests.
	now func() time.Time
}

// New creates a validator for the given gate backed by its local store.
// metrics may be nil.
func New(codec *ticket.Codec, st *store.Store, gate string, metrics *telemetry.Metrics) *Validator {
	return &Validator{
		codec:   codec,
		store:   st,
		gate:    strings.ToUpper(gate),
		metrics: metrics,
		now:     time.Now,
	}
}

// Validate runs the decision pipeline for one scanned string and records
// exactly one scan-history row for the outcome. It never returns an error
// to the scanning loop; every failure is a denial with a reason.
func (v *Validator) Validate(ctx context.Context, ticketString string) Decision {
	dec := v.decide(ctx, ticketString)

	result := ResultFailed
	if dec.Valid {
		result = ResultSuccess
	}
	ref := dec.ReferenceNo
	if ref == "" {
		ref = truncateRef(ticketString)
	}
	v.store.LogScan(ctx, ref, result, dec.Reason)
	if v.metrics != nil {
		v.metrics.ScanRecorded(v.gate, result)
	}

	return dec
}

func (v *Validator) decide(ctx context.Context, ticketString string) Decision {
	today := v.now().Format("20060102")

	// Cheap structural day check before any MAC work: replays from another
	// day are rejected without hashing.
	lead, _, _ := strings.Cut(ticketString, "-")
	if lead != today {
		return Decision{Reason: ReasonInvalidDate}
	}

	parsed := v.codec.Parse(ticketString)
	if !parsed.Valid {
		log.Debug().Str("gate", v.gate).Str("err", parsed.Err).Msg("Barcode rejected by codec")
		return Decision{Reason: ReasonInvalidQR}
	}

	code, ok := v.codec.GateCode(v.gate)
	if !ok {
		return Decision{ReferenceNo: parsed.ReferenceNo, Reason: reasonMismatchPfx + v.gate}
	}
	personsAllowed := parsed.GateInfo[code]
	if personsAllowed == 0 {
		return Decision{ReferenceNo: parsed.ReferenceNo, Reason: reasonMismatchPfx + v.gate}
	}

	info, known, err := v.store.TicketInfo(ctx, parsed.ReferenceNo)
	if err != nil {
		log.Error().Err(err).Str("ref", parsed.ReferenceNo).Msg("Store lookup failed")
		return Decision{ReferenceNo: parsed.ReferenceNo, Reason: ReasonNotFound}
	}

	if !known {
		// Offline birth: the MAC already vouches for the encoded
		// capacities, so the gate keeps working when the manifest has
		// never arrived.
		pax := map[string]int{}
		for name := range ticket.DefaultGateMapping() {
			pax[name] = v.codec.PassengersFor(parsed, name)
		}
		bookingDate := dashDate(parsed.Date)
		if err := v.store.CreateFromParsed(ctx, parsed.ReferenceNo, bookingDate, pax); err != nil {
			log.Error().Err(err).Str("ref", parsed.ReferenceNo).Msg("Offline birth failed")
			return Decision{ReferenceNo: parsed.ReferenceNo, Reason: ReasonNotFound}
		}
		log.Info().Str("ref", parsed.ReferenceNo).Str("gate", v.gate).
			Msg("Ticket created from verified scan")
	} else {
		if storedPax := info.Seats[v.gate].Pax; storedPax != personsAllowed {
			// Server-seeded capacity wins over what the barcode carries.
			log.Warn().Str("ref", parsed.ReferenceNo).Str("gate", v.gate).
				Int("stored_pax", storedPax).Int("encoded_pax", personsAllowed).
				Msg("Capacity mismatch between store and barcode, trusting store")
		}
		// Defense in depth: the stored booking date must also be today.
		if info.BookingDate != dashDate(today) {
			return Decision{ReferenceNo: parsed.ReferenceNo, Reason: ReasonInvalidDate}
		}
	}

	res, err := v.store.TryAdmit(ctx, parsed.ReferenceNo, v.gate)
	if err != nil {
		log.Error().Err(err).Str("ref", parsed.ReferenceNo).Msg("Admission failed")
		return Decision{ReferenceNo: parsed.ReferenceNo, Reason: ReasonAllUsed}
	}

	switch res.Outcome {
	case store.Admitted:
		if v.metrics != nil {
			v.metrics.AdmissionRecorded(v.gate)
		}
		return Decision{
			Valid:       true,
			Reason:      ReasonValidEntry,
			ReferenceNo: parsed.ReferenceNo,
			Pax:         res.Pax,
			UsedAfter:   res.UsedAfter,
		}
	case store.NotValidHere:
		return Decision{ReferenceNo: parsed.ReferenceNo, Reason: reasonMismatchPfx + v.gate}
	case store.NotFound:
		return Decision{ReferenceNo: parsed.ReferenceNo, Reason: ReasonNotFound}
	default:
		return Decision{
			ReferenceNo: parsed.ReferenceNo,
			Reason:      ReasonAllUsed,
			Pax:         res.Pax,
			UsedAfter:   res.UsedAfter,
		}
	}
}

// dashDate converts YYYYMMDD to the YYYY-MM-DD form used by booking_date.
func dashDate(d8 string) string {
	if len(d8) != 8 {
		return d8
	}
	return d8[:4] + "-" + d8[4:6] + "-" + d8[6:]
}

// truncateRef keeps history rows bounded when garbage is scanned.
func truncateRef(s string) string {
	const max = 64
	if len(s) > max {
		return s[:max]
	}
	return s
}

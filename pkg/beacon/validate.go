package beacon

// RejectReason classifies why a record failed validation.
type RejectReason string

const (
	// RejectNone means the record is valid.
	RejectNone RejectReason = ""
	// RejectSender means the sender id is outside (0, MaxSenderID).
	RejectSender RejectReason = "sender_id"
	// RejectLatitude means the latitude is outside [-90, 90] or NaN.
	RejectLatitude RejectReason = "latitude"
	// RejectLongitude means the longitude is outside [-180, 180] or NaN.
	RejectLongitude RejectReason = "longitude"
)

// Validate reports whether rec has a usable sender id and coordinates.
// It never fails loudly; callers decide whether to log the drop.
func Validate(rec Record) bool {
	return Rejection(rec) == RejectNone
}

// Rejection returns the first rule rec violates, or RejectNone.
func Rejection(rec Record) RejectReason {
	if rec.SenderID == 0 || rec.SenderID >= MaxSenderID {
		return RejectSender
	}
	// Written so that NaN fails both comparisons.
	if !(float64(rec.Latitude) >= MinLatitude && float64(rec.Latitude) <= MaxLatitude) {
		return RejectLatitude
	}
	if !(float64(rec.Longitude) >= MinLongitude && float64(rec.Longitude) <= MaxLongitude) {
		return RejectLongitude
	}
	return RejectNone
}

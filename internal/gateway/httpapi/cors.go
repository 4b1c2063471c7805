package httpapi

import (
	"slices"

	"github.com/jkaninda/okapi"
)

// corsMaxAge is how long browsers may cache a preflight answer, in seconds.
const corsMaxAge = 600

// corsPolicy builds the CORS settings for origins. "*" allows any origin,
// and credentials are then never allowed.
func corsPolicy(origins []string) okapi.Cors {
	return okapi.Cors{
		AllowedOrigins:   origins,
		ExposeHeaders:    []string{HeaderJobID, HeaderExecutionTime, HeaderJobStatus, "Content-Disposition"},
		AllowCredentials: !slices.Contains(origins, "*"),
		MaxAge:           corsMaxAge,
	}
}

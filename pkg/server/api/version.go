package api

import (
	"net/http"
	"os"
	"path"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/aquiles/pkg/version"
	"github.com/IpsoVeritas/httphandler"
)

type versionInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Schema  string `json:"schema"`
}

// Version describes the running service and the document schema it speaks.
func Version(req httphandler.Request) httphandler.Response {
	body, err := aquiles.Marshal(versionInfo{
		Service: path.Base(os.Args[0]),
		Version: version.Version,
		Schema:  aquiles.SchemaLocation,
	})
	if err != nil {
		return httphandler.NewStandardResponse(http.StatusInternalServerError, "text/plain", err.Error())
	}
	return httphandler.NewStandardResponse(http.StatusOK, "application/json", string(body))
}

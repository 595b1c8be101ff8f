package nexusop

import (
	"net/http"

	"github.com/nexus-rpc/sdk-go/nexus"
)

// ServiceName is the Nexus service name Medster's run operation is
// registered under.
const ServiceName = "medster"

// NewHTTPHandler builds the http.Handler a caller process mounts to reach
// the run operation over Nexus's HTTP transport. newRunner is forwarded to
// NewRunOperation unchanged.
func NewHTTPHandler(newRunner func(modelName string) Runner) (http.Handler, error) {
	op := NewRunOperation(newRunner)

	service := nexus.NewService(ServiceName)
	if err := service.Register(op); err != nil {
		return nil, err
	}

	reg := nexus.NewServiceRegistry()
	if err := reg.Register(service); err != nil {
		return nil, err
	}

	return nexus.NewHTTPHandler(nexus.HandlerOptions{Registry: reg})
}

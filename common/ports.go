package common

// Service names are read from /etc/services, the same file netdb.h uses.
// Used for display only, a missing file just means no names.

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const servicesFile = "/etc/services"

type Servent struct {
	Name     string
	Aliases  []string
	Port     int
	Protocol string
}

var (
	services     []*Servent
	servicesOnce sync.Once
)

func loadServices() {
	data, err := os.ReadFile(servicesFile)
	if err != nil {
		log.Debug().Err(err).Msgf("Could not read %s, service names disabled", servicesFile)
		return
	}
	services = parseServices(string(data))
}

func parseServices(data string) (out []*Servent) {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		split := strings.SplitN(line, "#", 2)
		fields := strings.Fields(split[0])
		if len(fields) < 2 {
			continue
		}

		portproto := strings.SplitN(fields[1], "/", 2)
		if len(portproto) != 2 {
			continue
		}
		port, err := strconv.Atoi(portproto[0])
		if err != nil {
			continue
		}
		out = append(out, &Servent{
			Name:     fields[0],
			Aliases:  fields[2:],
			Port:     port,
			Protocol: strings.ToLower(portproto[1]),
		})
	}
	return
}

// Equal checks if two Servents are the same, which is the case if
// their port numbers and protocols are identical or when both
// Servents are nil.
func (s *Servent) Equal(other *Servent) bool {
	if s == nil && other == nil {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	return s.Port == other.Port && s.Protocol == other.Protocol
}

// GetServByPort returns the Servent for a given port number and
// protocol. If the protocol is empty or any, the first service matching the
// port number is returned.
func GetServByPort(port int, protocol string) *Servent {
	servicesOnce.Do(loadServices)
	return lookupServ(services, port, protocol)
}

func lookupServ(list []*Servent, port int, protocol string) *Servent {
	protocol = strings.ToLower(protocol)
	for _, servent := range list {
		if servent.Port != port {
			continue
		}
		if IsAny(protocol) || servent.Protocol == protocol {
			return servent
		}
	}
	return nil
}

// ServiceName returns the well known service name of a port, or an empty string.
func ServiceName(port uint16, protocol string) string {
	if port == 0 {
		return ""
	}
	if s := GetServByPort(int(port), protocol); s != nil {
		return s.Name
	}
	return ""
}

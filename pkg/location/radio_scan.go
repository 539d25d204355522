package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"googlemaps.github.io/maps"
)

// runFunc executes a system tool and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s not found: %w", name, err)
	}
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// radioScanner collects the radio environment sent along with a geolocation
// request: visible WiFi networks through NetworkManager and the serving cell
// through ModemManager.
type radioScanner struct {
	run        runFunc
	modemIndex int
}

func (s radioScanner) wifi(ctx context.Context) ([]maps.WiFiAccessPoint, error) {
	out, err := s.run(ctx, "nmcli", "-t", "-f", "BSSID,SIGNAL", "dev", "wifi", "list")
	if err != nil {
		return nil, err
	}
	return parseWiFiList(string(out))
}

func (s radioScanner) cells(ctx context.Context) ([]maps.CellTower, error) {
	out, err := s.run(ctx, "mmcli", "-m", strconv.Itoa(s.modemIndex), "--output-keyvalue")
	if err != nil {
		return nil, err
	}
	tower, err := parseServingCell(string(out))
	if err != nil {
		return nil, fmt.Errorf("modem %d: %w", s.modemIndex, err)
	}
	return []maps.CellTower{tower}, nil
}

// parseWiFiList reads nmcli terse output. BSSID colons arrive escaped as
// "\:", so the signal follows the last unescaped colon.
func parseWiFiList(output string) ([]maps.WiFiAccessPoint, error) {
	var aps []maps.WiFiAccessPoint
	err := eachLine(output, func(line string) {
		sep := strings.LastIndex(line, ":")
		if sep <= 0 || line[sep-1] == '\\' {
			return
		}
		bssid := strings.ReplaceAll(line[:sep], `\:`, ":")
		if !isValidMAC(bssid) {
			return
		}
		signal, err := strconv.Atoi(line[sep+1:])
		if err != nil {
			return
		}
		aps = append(aps, maps.WiFiAccessPoint{MACAddress: bssid, SignalStrength: float64(signal)})
	})
	if err != nil {
		return nil, fmt.Errorf("read nmcli output: %w", err)
	}
	return aps, nil
}

// parseServingCell reads "key : value" lines from mmcli. LAC/TAC and cell id
// are hexadecimal; the operator code is MCC (3 digits) followed by MNC.
func parseServingCell(output string) (maps.CellTower, error) {
	var tower maps.CellTower
	err := eachLine(output, func(line string) {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "modem.3gpp.operator-code":
			if len(value) < 5 {
				return
			}
			mcc, err1 := strconv.Atoi(value[:3])
			mnc, err2 := strconv.Atoi(value[3:])
			if err1 == nil && err2 == nil {
				tower.MobileCountryCode, tower.MobileNetworkCode = mcc, mnc
			}
		case "modem.location.3gpp.lac", "modem.location.3gpp.tac":
			if area, err := strconv.ParseInt(value, 16, 32); err == nil && area != 0 {
				tower.LocationAreaCode = int(area)
			}
		case "modem.location.3gpp.cid":
			if cid, err := strconv.ParseInt(value, 16, 64); err == nil {
				tower.CellID = int(cid)
			}
		}
	})
	if err != nil {
		return maps.CellTower{}, fmt.Errorf("read mmcli output: %w", err)
	}
	if tower.MobileCountryCode == 0 || tower.CellID == 0 {
		return maps.CellTower{}, errors.New("no serving cell reported")
	}
	return tower, nil
}

func eachLine(output string, fn func(line string)) error {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			fn(line)
		}
	}
	return scanner.Err()
}

func isValidMAC(mac string) bool {
	octets := strings.Split(mac, ":")
	if len(octets) != 6 {
		return false
	}
	for _, o := range octets {
		if len(o) != 2 {
			return false
		}
		if _, err := strconv.ParseUint(o, 16, 8); err != nil {
			return false
		}
	}
	return true
}

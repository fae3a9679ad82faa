package fetcher

import (
	"net/url"
	"strings"
)

// defaultPortal serves states without a dedicated consultation page (SVRS).
const defaultPortal = "https://www.sefaz.rs.gov.br/NFCE/NFCE-COM.aspx?p="

// NFC-e public consultation pages keyed by the IBGE state code that opens every access key.
var statePortals = map[string]string{
	"23": "http://nfce.sefaz.ce.gov.br/pages/ShowNFCe.html?p=",
	"26": "http://nfce.sefaz.pe.gov.br/nfce/consulta?p=",
	"29": "http://nfe.sefaz.ba.gov.br/servicos/nfce/qrcode.aspx?p=",
	"31": "https://portalsped.fazenda.mg.gov.br/portalnfce/sistema/qrcode.xhtml?p=",
	"32": "http://app.sefaz.es.gov.br/ConsultaNFCe/qrcode.aspx?p=",
	"33": "https://consultadfe.fazenda.rj.gov.br/consultaNFCe/QRCode?p=",
	"35": "https://www.nfce.fazenda.sp.gov.br/NFCeConsultaPublica/Paginas/ConsultaQRCode.aspx?p=",
	"41": "http://www.fazenda.pr.gov.br/nfce/qrcode?p=",
	"42": "https://sat.sef.sc.gov.br/nfce/consulta?p=",
	"43": defaultPortal,
	"50": "http://www.dfe.ms.gov.br/nfce/qrcode?p=",
	"51": "http://www.sefaz.mt.gov.br/nfce/consultanfce?p=",
	"52": "https://nfeweb.sefaz.go.gov.br/nfeweb/sites/nfce/danfeNFCe?p=",
	"53": "http://www.fazenda.df.gov.br/nfce/qrcode?p=",
}

// Hosts that serve NFC-e pages but are not the entry point of any state.
var extraPortalHosts = []string{
	"dfe-portal.svrs.rs.gov.br",
	"www.sefaz.rs.gov.br",
	"sefaz.rs.gov.br",
}

var knownHosts = buildKnownHosts()

func buildKnownHosts() map[string]struct{} {
	hosts := make(map[string]struct{}, len(statePortals)+len(extraPortalHosts))
	for _, portal := range statePortals {
		if u, err := url.Parse(portal); err == nil {
			hosts[strings.ToLower(u.Hostname())] = struct{}{}
		}
	}
	for _, h := range extraPortalHosts {
		hosts[h] = struct{}{}
	}
	return hosts
}

// IsKnownPortal reports whether rawURL points at one of the built-in portal hosts
func IsKnownPortal(rawURL string) bool {
	host, ok := hostOf(rawURL)
	if !ok {
		return false
	}
	_, known := knownHosts[host]
	return known
}

// BuildURLFromKey returns the consultation URL for key. The first two digits select
// the state portal; unknown states fall back to the RS page.
func BuildURLFromKey(key string) string {
	portal := defaultPortal
	if len(key) >= 2 {
		if p, ok := statePortals[key[:2]]; ok {
			portal = p
		}
	}
	return portal + key
}

func hostOf(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}

package parser

import "regexp"

// frenchDubPattern pairs a French dub sub-type with its regex.
// Evaluated in order, first hit wins.
type frenchDubPattern struct {
	name string
	rx   *regexp.Regexp
}

var frenchDubPatterns = []frenchDubPattern{
	{"VFF", regexp.MustCompile(`(?i)\b(?:VFF|TRUEFRENCH)\b`)},
	{"VF2", regexp.MustCompile(`(?i)\b(?:VF2)\b`)},
	{"VFQ", regexp.MustCompile(`(?i)\b(?:VFQ)\b`)},
	{"VFI", regexp.MustCompile(`(?i)\b(?:VFI)\b`)},
	{"VOF", regexp.MustCompile(`(?i)\b(?:VOF)\b`)},
	{"VQ", regexp.MustCompile(`(?i)\b(?:VOQ|VQ)\b`)},
	{"VOSTFR", regexp.MustCompile(`(?i)\b(?:VOSTFR|SUBFRENCH)\b`)},
	{"FRENCH", regexp.MustCompile(`(?i)\b(?:FRENCH|FR)\b`)},
}

// DetectFrenchDub returns the French dub sub-type (VFF, VFQ, VOSTFR, ...)
// found in a release name, or "" if none matches.
func DetectFrenchDub(rawTitle string) string {
	for _, p := range frenchDubPatterns {
		if p.rx.MatchString(rawTitle) {
			return p.name
		}
	}
	return ""
}

// French scene/P2P release groups. Go's regexp has no lookarounds, so the
// boundary chars are matched as groups and only the middle group is returned.
var frenchReleaseGroupRxs = buildGroupRxs([]string{
	`BlackAngel|Choco|Sicario|Tezcat74|TyrellCorp|Zapax`,
	`FtLi|Goldenyann|MUSTANG|Obi|PEPiTE|QUEBEC63|QC63|ROMKENT|R3MiX`,
	`FLOP|FRATERNiTY|QTZ|PopHD|toto70300|GHT|EXTREME|AvALoN|KFL|mHDgz`,
	`DUSTiN|QUALiTY|Tsundere-Raws|LAZARUS|ALFA|SODAPOP|Tetine|DREAM|Winks`,
	`BDHD|MAX|SowHD|SN2P|RG|BTT|KAF|AwA|MULTiViSiON|FERVEX|Foxhound|K7`,
	`FUJiSAN|HDForever|MARBLECAKE|MYSTERiON|ONLY|UTT|ZiT|JP48|SEL|PATOMiEL`,
	`BONBON|FCK|FW|FoX|FrIeNdS|MOONLY|MTDK|PATOPESTO|Psaro|T3KASHi|TFA`,
	`ALLDAYiN|ARK01|HANAMi|HeavyWeight|NEO|NoNe|ONLYMOViE|Slay3R|TkHD`,
	`4FR|AiR3D|AiRDOCS|AiRFORCE|AiRLiNE|AiRTV|AKLHD|AMB3R|SERQPH|Elcrackito`,
	`ANMWR|AVON|AYMO|AZR|BANKAi|BAWLS|BiPOLAR|BLACKPANTERS|BODIE|BOOLZ|BRiNK|CARAPiLS|CiELOS`,
	`CiNEMA|CMBHD|CoRa|COUAC|CRYPT0|D4KiD|DEAL|DiEBEX|DUPLI|DUSS|ENJOi|EUBDS|FHD|FiDELiO|FiDO|ForceBleue`,
	`FREAMON|FRENCHDEADPOOL2|FRiES|FUTiL|FWDHD|GHOULS|GiMBAP|GLiMMER|Goatlove|HERC|HiggsBoson|HiRoSHiMa`,
	`HYBRiS|HyDe|JMT|JoKeR|JUSTICELEAGUE|KAZETV|L0SERNiGHT|LaoZi|LeON|LOFiDEL|LOST|LOWIMDB|LYPSG|MAGiCAL`,
	`MANGACiTY|MAXAGAZ|MaxiBeNoul|McNULTY|MELBA|MiND|MORELAND|MUNSTER|MUxHD|NERDHD|NERO|NrZ|NTK|OBSTACLE`,
	`OohLaLa|OOKAMI|PANZeR|PiNKPANTERS|PKPTRS|PRiDEHD|PROPJOE|PURE|PUREWASTEOFBW|ROUGH|RUDE|Ryotox|SAFETY`,
	`SASHiMi|SEiGHT|SESKAPiLE|SHEEEiT|SHiNiGAMi(?:UHD)?|SiGeRiS|SILVIODANTE|SLEEPINGFOREST|S4LVE|SPINE`,
	`SPOiLER|STRINGERBELL|SUNRiSE|tFR|THENiGHTMAREiNHD|THiNK|THREESOME|TiMELiNE|TSuNaMi|UKDHD|UKDTV|ULSHD|Ulysse`,
	`USUNSKiLLED|URY|VENUE|VFC|VoMiT|Wednesday29th|ZEST|ZiRCON`,
})

func buildGroupRxs(alternations []string) []*regexp.Regexp {
	rxs := make([]*regexp.Regexp, 0, len(alternations))
	for _, alt := range alternations {
		rxs = append(rxs, regexp.MustCompile(`(?:^|[.\s\-\[])(`+alt+`)(?:[.\s\-\]]|$)`))
	}
	return rxs
}

// ExtractReleaseGroup returns the French release group found in a release
// name, or "" if none matches.
func ExtractReleaseGroup(rawTitle string) string {
	for _, rx := range frenchReleaseGroupRxs {
		if m := rx.FindStringSubmatch(rawTitle); m != nil {
			return m[1]
		}
	}
	return ""
}

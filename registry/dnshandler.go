/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

import (
	"log"
	"net"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

var servedQtypes = map[uint16]bool{
	dns.TypeA:     true,
	dns.TypeAAAA:  true,
	dns.TypeCNAME: true,
	dns.TypeAXFR:  true,
	dns.TypeANY:   true,
	dns.TypeSOA:   true,
	dns.TypeNS:    true,
	dns.TypeURI:   true,
}

// AnswerQuestions resolves a decoded query message into one reply,
// delivered via send. The transport listener supplies the peer address
// and whether the query arrived over TCP (truncation and EDNS(0) payload
// negotiation only apply to UDP).
func (r *Registry) AnswerQuestions(query *dns.Msg, peer net.IP, tcp bool, send func(*dns.Msg)) {
	reply := new(dns.Msg)
	reply.SetReply(query)
	reply.Question = nil

	var payloadSize int
	if tcp {
		payloadSize = dns.MaxMsgSize
	} else {
		payloadSize = MinUDPSize
		var opt *dns.OPT
		opts := 0
		for _, rr := range query.Extra {
			if o, ok := rr.(*dns.OPT); ok {
				opts++
				opt = o
			}
		}
		if opts > 1 {
			reply.Rcode = dns.RcodeFormatError
			send(reply)
			return
		}
		if opt != nil {
			if opt.Version() > 0 {
				reply.SetEdns0(MaxUDPSize, false)
				reply.Rcode = dns.RcodeBadVers
				send(reply)
				return
			}
			payloadSize = int(opt.UDPSize())
			if payloadSize < MinUDPSize {
				payloadSize = MinUDPSize
			}
			if payloadSize > MaxUDPSize {
				payloadSize = MaxUDPSize
			}
			reply.SetEdns0(uint16(payloadSize), false)
		}
	}

	for _, q := range query.Question {
		// Remember where this question's contribution starts so an
		// oversized reply can be rolled back to the previous question.
		qmark := len(reply.Question)
		amark := len(reply.Answer)
		nmark := len(reply.Ns)

		reply.Question = append(reply.Question, q)

		if q.Qclass == dns.ClassANY {
			reply.Authoritative = false
			continue
		}
		if q.Qclass != dns.ClassINET {
			reply.Rcode = dns.RcodeNotImplemented
			break
		}
		if !servedQtypes[q.Qtype] {
			reply.Rcode = dns.RcodeNotImplemented
			break
		}

		zd, matches := r.FindZone(q.Name)
		if zd == nil {
			reply.Rcode = dns.RcodeRefused
			break
		}
		reply.Rcode = zd.Answer(matches, q, reply, peer)

		if !tcp && reply.Len() > payloadSize {
			reply.Question = reply.Question[:qmark]
			reply.Answer = reply.Answer[:amark]
			reply.Ns = reply.Ns[:nmark]
			reply.Truncated = true
			break
		}
	}

	send(reply)
}

// DnsEngine starts the UDP and TCP listeners on the configured addresses
// and hands decoded queries to the registry.
func DnsEngine(conf *Config, reg *Registry) error {
	dns.HandleFunc(".", createDnsHandler(reg))

	addresses := viper.GetStringSlice("dnsengine.addresses")
	if len(addresses) == 0 {
		addresses = conf.DnsEngine.Addresses
	}
	log.Printf("DnsEngine: UDP/TCP addresses: %v", addresses)
	for _, addr := range addresses {
		for _, transport := range []string{"udp", "tcp"} {
			go func(addr, transport string) {
				log.Printf("DnsEngine: serving on %s (%s)", addr, transport)
				server := &dns.Server{
					Addr:    addr,
					Net:     transport,
					UDPSize: MaxUDPSize,
				}
				if err := server.ListenAndServe(); err != nil {
					log.Printf("Failed to setup the %s server: %s", transport, err.Error())
				}
			}(addr, transport)
		}
	}
	return nil
}

func createDnsHandler(reg *Registry) func(w dns.ResponseWriter, r *dns.Msg) {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		if r.Opcode != dns.OpcodeQuery {
			log.Printf("DnsHandler: unable to handle msgs of type %s", dns.OpcodeToString[r.Opcode])
			m := new(dns.Msg)
			m.SetRcode(r, dns.RcodeNotImplemented)
			w.WriteMsg(m)
			return
		}

		var peer net.IP
		tcp := false
		switch addr := w.RemoteAddr().(type) {
		case *net.UDPAddr:
			peer = addr.IP
		case *net.TCPAddr:
			peer = addr.IP
			tcp = true
		}

		if Globals.Debug && len(r.Question) > 0 {
			log.Printf("DnsHandler: %s %s request from %s", r.Question[0].Name,
				dns.TypeToString[r.Question[0].Qtype], w.RemoteAddr())
		}

		reg.AnswerQuestions(r, peer, tcp, func(m *dns.Msg) {
			if err := w.WriteMsg(m); err != nil {
				log.Printf("DnsHandler: error writing reply: %v", err)
			}
		})
	}
}

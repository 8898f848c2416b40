/*
Package election provides fair, revision-ordered leader election for a
named role on top of a linearizable key-value store.

Each process wanting to lead creates an Election session for the role's
name. A session registers a single candidate key under the election's
prefix, bound to a store lease so that a crashed process's candidacy is
removed automatically when its lease expires. The candidate whose key has
the lowest creation revision is the leader; everyone else waits, in
creation order, for the candidates ahead of them to vacate.

The following diagram illustrates a session's states:

                       IDLE
                        +
                        | Campaign() registers candidacy
                        v
                  CANDIDATE+----------------------+
                        +        Resign() /       ^
                        |        Campaign() error |
     predecessors gone  |                         |
                        v                         |
                     LEADER+----------------------+
                        +        Resign()
                        | lease expires
                        v
                      IDLE (Proclaim fails with ErrNotLeader;
                            Campaign() again to rejoin)

Campaign blocks until the session is leader, an error occurs, or its
context is cancelled; on any failure it resigns internally first, so a
failed campaign never leaves the session campaigning. Proclaim replaces
the advertised value without surrendering the session's place in line.
Mutual exclusion and hand-off order derive entirely from the store's
atomic transactions and global revision ordering; no client-side locking
is involved, so concurrently campaigning sessions on different processes
need no coordination beyond the store itself.

Calls on a single session are expected to be serialized by the caller:
Campaign, Proclaim and Resign are one logical flow per session. Reads
(Leader, the accessors) and ObserveLeader are safe at any time.

ObserveLeader subscribes to an at-least-once stream of leadership
updates. The observation loop starts with the first subscriber, restarts
after both success and failure for as long as subscribers remain, and
stops once none remain at the end of a cycle.
*/
package election
